package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/telemetry"
	"github.com/roach88/syncql/internal/todo"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Name        string
	Description string
	Listen      bool
	MetricsAddr string
}

// TodoOutput is one item as printed by run.
type TodoOutput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Pending     bool   `json:"pending,omitempty"`
}

// RunEvent is one line of run output in JSON format.
type RunEvent struct {
	Event  string       `json:"event"` // created | listed | received
	Source string       `json:"source,omitempty"`
	Queued bool         `json:"queued,omitempty"`
	Todos  []TodoOutput `json:"todos"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Todo client",
		Long: `Run the Todo client against the configured endpoint.

Creates one todo, lists all todos (cached first, then from the network) and
then prints todos created by any client until interrupted. Telemetry events
are submitted on exit.`,
		Example: `  syncql run --config syncql.yaml
  SYNCQL_ENDPOINT=https://api.example.com/graphql syncql run --listen=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "Use AppSync", "name of the todo to create")
	cmd.Flags().StringVar(&opts.Description, "description", "Realtime and Offline", "description of the todo to create")
	cmd.Flags().BoolVar(&opts.Listen, "listen", true, "subscribe to new todos until interrupted")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	return cmd
}

func runApp(cmd *cobra.Command, opts *RunOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := formatter(cmd, opts.RootOptions)

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), needEngine)
	defer a.Close()
	if err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		shutdown, err := serveMetrics(a, opts.MetricsAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "serve metrics", err)
		}
		defer shutdown()
	}

	session := telemetry.NewLogSession(a.logger)
	session.Start(ctx)
	defer func() {
		// The run context is cancelled on interrupt; submit anyway.
		submitCtx := context.WithoutCancel(ctx)
		session.Stop(submitCtx)
		if err := session.SubmitEvents(submitCtx); err != nil {
			a.logger.Warn("submit telemetry", "error", err)
		}
	}()

	client, err := todo.NewClient(a.engine, todo.WithTelemetry(session))
	if err != nil {
		return WrapExitError(ExitCommandError, "load todo catalog", err)
	}

	created, res, err := client.CreateTodo(ctx, opts.Name, opts.Description)
	if err != nil {
		_ = out.ReportError(err)
		return operationError("create todo", err)
	}
	if err := emit(out, RunEvent{Event: "created", Queued: res.Queued, Todos: []TodoOutput{todoOutput(created)}}); err != nil {
		return err
	}

	snaps, err := client.ListTodos(ctx, engine.CacheAndNetwork)
	if err != nil {
		return WrapExitError(ExitCommandError, "list todos", err)
	}
	for snap := range snaps {
		if snap.Err != nil {
			_ = out.ReportError(snap.Err)
			return operationError("list todos", snap.Err)
		}
		ev := RunEvent{Event: "listed", Source: string(snap.Source), Todos: make([]TodoOutput, 0, len(snap.Todos))}
		for _, t := range snap.Todos {
			ev.Todos = append(ev.Todos, todoOutput(t))
		}
		if err := emit(out, ev); err != nil {
			return err
		}
	}

	if !opts.Listen {
		return nil
	}
	return listen(ctx, a, client, out)
}

// listen prints subscription events until ctx ends or the stream closes.
func listen(ctx context.Context, a *app, client *todo.Client, out *OutputFormatter) error {
	received := make(chan todo.Todo, 64)
	h, err := client.OnCreateTodo(ctx, func(t todo.Todo) {
		select {
		case received <- t:
		default:
			a.logger.Warn("dropped todo event, printer is behind", "id", t.ID)
		}
	})
	if err != nil {
		_ = out.ReportError(err)
		return operationError("subscribe to new todos", err)
	}
	defer a.engine.Unsubscribe(h)
	out.VerboseLog("listening for new todos, interrupt to stop")

	for {
		select {
		case t := <-received:
			if err := emit(out, RunEvent{Event: "received", Todos: []TodoOutput{todoOutput(t)}}); err != nil {
				return err
			}
		case <-h.Done():
			if err := h.Err(); err != nil && ctx.Err() == nil {
				return operationError("subscription ended", err)
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func emit(out *OutputFormatter, ev RunEvent) error {
	if out.Format == "json" {
		return out.Success(ev)
	}
	switch ev.Event {
	case "created":
		t := ev.Todos[0]
		if ev.Queued {
			fmt.Fprintf(out.Writer, "queued %q (pending as %s)\n", t.Name, t.ID)
		} else {
			fmt.Fprintf(out.Writer, "created %q as %s\n", t.Name, t.ID)
		}
	case "listed":
		fmt.Fprintf(out.Writer, "%d todos from %s\n", len(ev.Todos), ev.Source)
		for _, t := range ev.Todos {
			printTodo(out, t)
		}
	case "received":
		fmt.Fprint(out.Writer, "new: ")
		printTodo(out, ev.Todos[0])
	}
	return nil
}

func printTodo(out *OutputFormatter, t TodoOutput) {
	pending := ""
	if t.Pending {
		pending = " (pending)"
	}
	fmt.Fprintf(out.Writer, "  %s  %s: %s%s\n", t.ID, t.Name, t.Description, pending)
}

func todoOutput(t todo.Todo) TodoOutput {
	return TodoOutput{ID: t.ID, Name: t.Name, Description: t.Description, Pending: t.Pending}
}

// serveMetrics exposes the app's registry on addr until the returned
// shutdown func is called.
func serveMetrics(a *app, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
