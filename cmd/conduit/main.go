// Command conduit runs servers and drives ad hoc calls from the terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/conduit-rpc/conduit-go/pkg/client"
	"github.com/conduit-rpc/conduit-go/pkg/factory"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/observability"
	"github.com/conduit-rpc/conduit-go/pkg/server"
)

var version = "dev"

type cli struct {
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`

	Serve   serveCmd   `cmd:"" help:"Run a server from a definition file."`
	Call    callCmd    `cmd:"" help:"Send one request to a running server."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type appContext struct {
	logger logging.Logger
}

func main() {
	var c cli
	ktx := kong.Parse(&c,
		kong.Name("conduit"),
		kong.Description("Bidirectional RPC runtime."),
		kong.UsageOnError(),
	)

	logger := logging.New(nil, nil)
	logger.SetLevel(logging.ParseLevel(c.LogLevel))

	ktx.FatalIfErrorf(ktx.Run(&appContext{logger: logger}))
}

type serveCmd struct {
	Definition string `arg:"" help:"Path to the YAML server definition." type:"existingfile"`

	MetricsAddr     string        `help:"Serve Prometheus metrics on this address."`
	TraceEndpoint   string        `help:"Export traces to this OTLP endpoint."`
	TraceProtocol   string        `help:"OTLP protocol." default:"otlp-grpc" enum:"otlp-grpc,otlp-http"`
	ShutdownTimeout time.Duration `help:"Graceful shutdown budget (overrides the definition)."`
}

func (cmd *serveCmd) Run(app *appContext) error {
	def, err := factory.LoadServerDefinition(cmd.Definition)
	if err != nil {
		return err
	}

	var extra []server.Option
	if cmd.ShutdownTimeout > 0 {
		extra = append(extra, server.WithShutdownTimeout(cmd.ShutdownTimeout))
	}

	var metrics *observability.MetricsProvider
	if cmd.MetricsAddr != "" {
		metrics, err = observability.NewMetricsProvider(observability.MetricsConfig{
			ListenAddress: cmd.MetricsAddr,
			Logger:        app.logger.WithFields(logging.String("component", "metrics")),
		})
		if err != nil {
			return err
		}
		extra = append(extra, server.WithRecorder(metrics))
	}

	if cmd.TraceEndpoint != "" {
		tracing, err := observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    def.Name,
			ServiceVersion: def.Version,
			ExporterType:   observability.ExporterType(cmd.TraceProtocol),
			Endpoint:       cmd.TraceEndpoint,
			Insecure:       true,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(ctx); err != nil {
				app.logger.Warn("trace shutdown failed", logging.ErrorField(err))
			}
		}()
	}

	f := factory.New(nil, app.logger.WithFields(logging.String("component", "factory")))
	srv, err := f.NewServer(def, extra...)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if metrics != nil {
		if err := metrics.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	return srv.Run(ctx)
}

type callCmd struct {
	Method string `arg:"" help:"Method to invoke."`
	Params string `arg:"" optional:"" help:"JSON params."`

	Transport     string        `help:"Transport kind (socket, http)." default:"socket" enum:"socket,http"`
	Endpoint      string        `help:"Server address or URL." required:""`
	Timeout       time.Duration `help:"Per-call budget." default:"30s"`
	TraceEndpoint string        `help:"Export call spans to this OTLP endpoint."`
	TraceProtocol string        `help:"OTLP protocol." default:"otlp-grpc" enum:"otlp-grpc,otlp-http"`
}

func (cmd *callCmd) Run(app *appContext) error {
	def := factory.DefaultClientDefinition("conduit-cli")
	def.Version = version
	def.CallTimeout = cmd.Timeout
	def.Transport = factory.TransportDefinition{
		Kind:     cmd.Transport,
		Endpoint: cmd.Endpoint,
	}

	extra := []client.Option{client.WithLogger(app.logger)}
	if cmd.TraceEndpoint != "" {
		tracing, err := observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    "conduit-cli",
			ServiceVersion: version,
			ExporterType:   observability.ExporterType(cmd.TraceProtocol),
			Endpoint:       cmd.TraceEndpoint,
			Insecure:       true,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(ctx); err != nil {
				app.logger.Warn("trace shutdown failed", logging.ErrorField(err))
			}
		}()
		extra = append(extra, client.WithTracer(observability.NewCallTracer(tracing)))
	}

	f := factory.New(nil, app.logger.WithFields(logging.String("component", "factory")))
	cl, err := f.NewClient(&def, extra...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		_ = cl.Disconnect(dctx)
	}()

	if _, err := cl.Initialize(ctx); err != nil {
		return err
	}

	var params interface{}
	if cmd.Params != "" {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(cmd.Params), &raw); err != nil {
			return fmt.Errorf("params must be valid JSON: %w", err)
		}
		params = raw
	}

	result, err := cl.Call(ctx, cmd.Method, params)
	if err != nil {
		return err
	}

	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}

type versionCmd struct{}

func (cmd *versionCmd) Run(app *appContext) error {
	fmt.Fprintf(os.Stdout, "conduit %s\n", version)
	return nil
}
