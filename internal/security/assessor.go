package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultAssessmentCacheSize = 512

// Assessor classifies tool calls into risk levels.
// Safe for concurrent use; the rule table is immutable after construction.
type Assessor struct {
	rules  []Rule
	cache  *lru.Cache[string, *Assessment]
	logger *slog.Logger
}

// AssessorOption configures an Assessor.
type AssessorOption func(*Assessor)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) AssessorOption {
	return func(a *Assessor) { a.rules = append([]Rule(nil), rules...) }
}

// WithCacheSize sets the assessment memo size. Zero disables the memo.
func WithCacheSize(size int) AssessorOption {
	return func(a *Assessor) {
		if size <= 0 {
			a.cache = nil
			return
		}
		// lru.New only errors on non-positive size which we guard above.
		a.cache, _ = lru.New[string, *Assessment](size)
	}
}

// NewAssessor creates an Assessor with the default rule table.
func NewAssessor(logger *slog.Logger, opts ...AssessorOption) *Assessor {
	a := &Assessor{
		rules:  DefaultRules(),
		logger: logger,
	}
	WithCacheSize(defaultAssessmentCacheSize)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess classifies a tool call. The returned level is the maximum over
// every applicable check. Internal errors fail closed to at least high.
func (a *Assessor) Assess(ctx context.Context, tool string, args map[string]any) (result *Assessment) {
	key, cacheable := fingerprint(tool, args)
	if cacheable && a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			return cached.clone()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			result = failClosed(fmt.Errorf("panic: %v", r))
			a.logger.ErrorContext(ctx, "risk assessment panicked",
				slog.String("tool", tool),
				slog.Any("panic", r),
			)
		}
	}()

	assessment, err := a.assess(tool, args)
	if err != nil {
		a.logger.WarnContext(ctx, "risk assessment failed, failing closed",
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
		assessment = failClosed(err)
	}

	a.logger.DebugContext(ctx, "risk assessed",
		slog.String("tool", tool),
		slog.String("risk_level", assessment.Level.String()),
		slog.Bool("blocked", assessment.Blocked),
	)

	if cacheable && a.cache != nil {
		a.cache.Add(key, assessment.clone())
	}
	return assessment
}

func (a *Assessor) assess(tool string, args map[string]any) (*Assessment, error) {
	out := &Assessment{Level: BaseRisk(tool)}
	if out.Level >= RiskHigh {
		out.Reasons = append(out.Reasons, fmt.Sprintf("tool %s has inherent %s risk", tool, out.Level))
	}

	switch tool {
	case ToolExecuteCommand:
		command, err := stringArg(args, "command")
		if err != nil {
			return nil, err
		}
		a.assessCommand(command, out)
	case ToolFileOperations:
		operation, err := stringArg(args, "operation")
		if err != nil {
			return nil, err
		}
		path, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		target, err := stringArg(args, "target")
		if err != nil {
			return nil, err
		}
		assessFileOperation(operation, path, target, out)
	case ToolManageService:
		service, err := stringArg(args, "service_name")
		if err != nil {
			return nil, err
		}
		action, err := stringArg(args, "action")
		if err != nil {
			return nil, err
		}
		assessService(service, action, out)
	}
	return out, nil
}

func (a *Assessor) assessCommand(command string, out *Assessment) {
	for _, dangerous := range dangerousCommands {
		if strings.Contains(command, dangerous) {
			out.block("contains dangerous pattern: " + dangerous)
			return
		}
	}

	for _, rule := range a.rules {
		if !rule.Pattern.MatchString(command) {
			continue
		}
		out.raise(rule.Level, "matches rule "+rule.Name+": "+rule.Description)
		if rule.Level == RiskCritical {
			out.Blocked = true
		}
	}

	for _, p := range injectionPatterns {
		if p.MatchString(command) {
			out.raise(RiskMedium, "contains potential command injection pattern")
			break
		}
	}
}

// assessFileOperation judges path the way the file tool will see it:
// cleaned, so "//", "/." and "/tmp/.." all name the root.
func assessFileOperation(operation, path, target string, out *Assessment) {
	if path != "" {
		path = filepath.Clean(path)
	}
	if target != "" {
		target = filepath.Clean(target)
	}
	for _, critical := range criticalPaths {
		if underPath(path, critical) || underPath(target, critical) {
			out.raise(RiskHigh, "operation on critical system path: "+critical)
			break
		}
	}
	if (operation == "delete" || operation == "move") && path == "/" {
		out.block("attempted " + operation + " of root directory")
	}
}

// underPath reports whether path is dir or inside it.
func underPath(path, dir string) bool {
	rest, ok := strings.CutPrefix(path, dir)
	return ok && (rest == "" || rest[0] == '/')
}

func assessService(service, action string, out *Assessment) {
	if criticalServices[service] && (action == "stop" || action == "disable") {
		out.raise(RiskHigh, fmt.Sprintf("%s of critical service: %s", action, service))
	}
}

func failClosed(err error) *Assessment {
	return &Assessment{
		Level:   RiskHigh,
		Reasons: []string{"assessment error: " + err.Error()},
	}
}

// stringArg returns an optional string argument. A present value of
// another type is an error so the caller can fail closed.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}

// fingerprint builds a canonical cache key. encoding/json sorts map keys.
func fingerprint(tool string, args map[string]any) (string, bool) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return tool + "\x00" + string(data), true
}
