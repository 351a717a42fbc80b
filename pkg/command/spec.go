// Package command builds the validated argument vector handed to the lenr binary.
package command

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// IllegalTasks are lenr tasks the service refuses to run.
var IllegalTasks = []string{"invoke", "shell"}

// Args are the raw request arguments of a lenr invocation.
type Args struct {
	Application string   `json:"app"`
	Environment string   `json:"env"`
	Task        string   `json:"task,omitempty"`
	PreOptions  []string `json:"pre_options,omitempty"`
	PostOptions []string `json:"post_options,omitempty"`
}

// Spec is an immutable, validated lenr invocation.
type Spec struct {
	args Args
	pre  []string
	post []string
}

// New validates args and returns the resulting Spec.
// All problems are collected into a single *ValidationError.
func New(args Args) (Spec, error) {
	args = normalize(args)

	var problems []string
	problems = append(problems, validateRequired(args.Application, "app")...)
	problems = append(problems, validateRequired(args.Environment, "env")...)
	if args.Task != "" && IsIllegalTask(args.Task) {
		problems = append(problems, fmt.Sprintf("task [%s] is not allowed", args.Task))
	}

	pre, preProblems := parsePreOptions(args.PreOptions)
	problems = append(problems, preProblems...)

	post, postProblems := parseOptions(args.PostOptions)
	problems = append(problems, postProblems...)

	if len(problems) > 0 {
		return Spec{}, &ValidationError{Problems: problems}
	}
	return Spec{args: args, pre: pre, post: post}, nil
}

// IsIllegalTask reports whether task is on the deny list.
func IsIllegalTask(task string) bool {
	task = strings.TrimSpace(task)
	for _, t := range IllegalTasks {
		if t == task {
			return true
		}
	}
	return false
}

func normalize(args Args) Args {
	args.Task = strings.TrimSpace(args.Task)
	args.PreOptions = append([]string(nil), args.PreOptions...)
	args.PostOptions = append([]string(nil), args.PostOptions...)
	return args
}

func validateRequired(value, field string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{fmt.Sprintf("[%s] param must be a non-empty string", field)}
	}
	return nil
}

// parsePreOptions splits every pre-option into shell tokens. Each one must be
// a flag with an optional value.
func parsePreOptions(options []string) ([]string, []string) {
	var tokens, problems []string
	for _, opt := range options {
		parts, err := shellquote.Split(opt)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s has error: %v", opt, err))
			continue
		}
		if len(parts) > 2 {
			problems = append(problems, fmt.Sprintf("option [%s] can't have more than two(2) parts", opt))
		}
		if len(parts) == 0 || !strings.HasPrefix(parts[0], "-") {
			problems = append(problems, fmt.Sprintf("option [%s] must have dash(-) or double-dash(--) prefix", opt))
		}
		tokens = append(tokens, parts...)
	}
	return tokens, problems
}

func parseOptions(options []string) ([]string, []string) {
	var tokens, problems []string
	for _, opt := range options {
		parts, err := shellquote.Split(opt)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s has error: %v", opt, err))
			continue
		}
		tokens = append(tokens, parts...)
	}
	return tokens, problems
}

// Args returns a copy of the arguments the spec was built from.
func (s Spec) Args() Args {
	return normalize(s.args)
}

// Application returns the target application.
func (s Spec) Application() string { return s.args.Application }

// Environment returns the target environment.
func (s Spec) Environment() string { return s.args.Environment }

// Task returns the task, empty when none was given.
func (s Spec) Task() string { return s.args.Task }

// Argv returns the full argument vector: pre-option tokens, app, env,
// the task when present, then post-option tokens.
func (s Spec) Argv() []string {
	argv := make([]string, 0, len(s.pre)+3+len(s.post))
	argv = append(argv, s.pre...)
	return append(argv, s.Positional()...)
}

// Positional returns app, env, the optional task and the post-option tokens.
func (s Spec) Positional() []string {
	out := []string{s.args.Application, s.args.Environment}
	if s.args.Task != "" {
		out = append(out, s.args.Task)
	}
	return append(out, s.post...)
}

// String renders the positional part as a shell command line.
func (s Spec) String() string {
	return shellquote.Join(s.Positional()...)
}

// WithPreOptions returns a new Spec with opts appended to the pre-options.
func (s Spec) WithPreOptions(opts ...string) (Spec, error) {
	args := s.Args()
	args.PreOptions = append(args.PreOptions, opts...)
	return New(args)
}

// WithPostOptions returns a new Spec with opts appended to the post-options.
func (s Spec) WithPostOptions(opts ...string) (Spec, error) {
	args := s.Args()
	args.PostOptions = append(args.PostOptions, opts...)
	return New(args)
}
