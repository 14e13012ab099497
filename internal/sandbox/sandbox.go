package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apirun/apirun/internal/apierrors"
)

// Executor runs an untrusted code string with a restricted capability set
// and a hard wall-clock deadline. The goja implementation below is the
// default strategy; a subprocess or WASM host can replace it behind this
// interface.
type Executor interface {
	Run(ctx context.Context, code string, opts Options) (any, error)
}

type Options struct {
	// Request is exposed to the code as a read-only copy under `request`.
	Request any
	// Context is exposed under `context`.
	Context map[string]any
	// AllowedModules names the optional capability modules to bind beyond
	// the defaults. Unlisted modules are absent from the environment.
	AllowedModules []string
	// Timeout bounds wall-clock execution; zero means DefaultTimeout.
	Timeout time.Duration
	Log     logrus.FieldLogger
}

const DefaultTimeout = 10 * time.Second

// optionalModules are the capabilities user code may request via
// allowedModules. Each binds a global object named after the module.
var optionalModules = map[string]func() map[string]any{
	"base64": func() map[string]any {
		return map[string]any{
			"encode": func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) },
			"decode": func(s string) (string, error) {
				b, err := base64.StdEncoding.DecodeString(s)
				return string(b), err
			},
		}
	},
	"uuid": func() map[string]any {
		return map[string]any{
			"v4": func() string { return uuid.New().String() },
		}
	},
}

type gojaExecutor struct{}

var _ Executor = (*gojaExecutor)(nil)

func NewExecutor() Executor {
	return &gojaExecutor{}
}

// Run executes code as an async unit inside a fresh VM; the settled value
// of the unit is the result. A fresh VM per run is what isolates
// invocations from one another: nothing survives the call.
func (e *gojaExecutor) Run(ctx context.Context, code string, opts Options) (any, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	vm := goja.New()

	if err := bindEnvironment(vm, opts); err != nil {
		return nil, err
	}

	const interruptReason = "wall-clock deadline exceeded"
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(interruptReason)
	})
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(interruptReason)
		case <-done:
		}
	}()

	value, err := vm.RunString("(async () => {\n" + code + "\n})()")
	if err != nil {
		return nil, classifyRunError(err)
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return value.Export(), nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, apierrors.New(apierrors.KindUserCode, promiseRejectionMessage(promise.Result()))
	default:
		// Without timers or host I/O in the sandbox, a pending promise
		// means the code awaited something that can never settle.
		return nil, apierrors.New(apierrors.KindUserCode, "user code did not settle")
	}
}

func bindEnvironment(vm *goja.Runtime, opts Options) error {
	request, err := deepCopy(opts.Request)
	if err != nil {
		return apierrors.Newf(apierrors.KindInternal, "preparing sandbox request: %v", err)
	}
	if err := vm.Set("request", request); err != nil {
		return apierrors.Newf(apierrors.KindInternal, "binding sandbox request: %v", err)
	}
	if err := vm.Set("context", opts.Context); err != nil {
		return apierrors.Newf(apierrors.KindInternal, "binding sandbox context: %v", err)
	}
	if err := vm.Set("console", consoleBindings(opts.Log)); err != nil {
		return apierrors.Newf(apierrors.KindInternal, "binding sandbox console: %v", err)
	}

	for _, name := range opts.AllowedModules {
		factory, ok := optionalModules[name]
		if !ok {
			return apierrors.Newf(apierrors.KindConfiguration, "unknown sandbox module %q", name)
		}
		if err := vm.Set(name, factory()); err != nil {
			return apierrors.Newf(apierrors.KindInternal, "binding sandbox module %q: %v", name, err)
		}
	}
	return nil
}

func consoleBindings(log logrus.FieldLogger) map[string]any {
	if log == nil {
		log = logrus.StandardLogger()
	}
	format := func(args ...goja.Value) string {
		parts := make([]string, 0, len(args))
		for _, a := range args {
			parts = append(parts, fmt.Sprint(a.Export()))
		}
		return strings.Join(parts, " ")
	}
	return map[string]any{
		"log":   func(args ...goja.Value) { log.Info(format(args...)) },
		"warn":  func(args ...goja.Value) { log.Warn(format(args...)) },
		"error": func(args ...goja.Value) { log.Error(format(args...)) },
	}
}

// classifyRunError separates the deadline interrupt from failures of the
// user's own code. Stacks are never propagated to clients.
func classifyRunError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return apierrors.New(apierrors.KindTimeout, "sandbox wall-clock deadline exceeded")
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return apierrors.New(apierrors.KindUserCode, exceptionMessage(exception))
	}
	return apierrors.New(apierrors.KindUserCode, err.Error())
}

func exceptionMessage(exception *goja.Exception) string {
	value := exception.Value()
	if value == nil {
		return "user code raised an error"
	}
	if obj, ok := value.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return value.String()
}

func promiseRejectionMessage(value goja.Value) string {
	if value == nil {
		return "user code rejected"
	}
	if obj, ok := value.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return value.String()
}

// deepCopy passes the request through JSON so user code mutations can never
// reach the live request shared with other policies.
func deepCopy(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
