package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/flow"
	"github.com/polisai/polis-chain/pkg/sandbox"
)

func newChainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Run a linear request chain, halting at the first non-2xx response",
		Long: `chain dispatches each --step in order. Every step after the first receives
the declared header and body fields from the previous response, optionally
after a transform script reshapes the request.

A step is written as 'METHOD URL [BODY]', e.g. 'POST https://api.example.com/login {"user":"ada"}'.`,
		Args: cobra.NoArgs,
		RunE: runChain,
	}

	flags := cmd.Flags()
	flags.StringArray("step", nil, "Chain step as 'METHOD URL [BODY]' (repeatable, in order)")
	flags.StringArrayP("header", "H", nil, "Header sent on every step as name:value (repeatable)")
	flags.StringSlice("depends-header", nil, "Response headers copied into the next request")
	flags.StringSlice("depends-body", nil, "Response body fields copied into the next request")
	flags.String("transform", "", "Expr script building the next request from the previous response")
	_ = cmd.MarkFlagRequired("step")

	return cmd
}

func runChain(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	stepArgs, _ := flags.GetStringArray("step")
	headerArgs, _ := flags.GetStringArray("header")
	dependsHeaders, _ := flags.GetStringSlice("depends-header")
	dependsBody, _ := flags.GetStringSlice("depends-body")
	transformSrc, _ := flags.GetString("transform")

	headers, err := parseHeaders(headerArgs)
	if err != nil {
		return err
	}

	specs := make([]domain.RequestSpec, 0, len(stepArgs))
	for i, arg := range stepArgs {
		spec, err := parseStep(arg)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		for name, value := range headers {
			if _, ok := spec.Headers.Get(name); !ok {
				if spec.Headers == nil {
					spec.Headers = domain.Headers{}
				}
				spec.Headers[name] = value
			}
		}
		specs = append(specs, spec)
	}

	return withApp(cmd, func(a *app) error {
		flows := make([]*flow.Flow, len(specs))
		for i, spec := range specs {
			var opts []flow.Option
			opts = append(opts, flow.OnSuccess(func(resp domain.ResponseEnvelope) {
				a.logger.Info("chain step succeeded", "step", i+1, "status", resp.Status)
			}))
			if i > 0 {
				opts = append(opts, flow.DependsOn(declarations(dependsHeaders), declarationsAny(dependsBody)))
				if transformSrc != "" {
					opts = append(opts, flow.WithTransform(a.sandbox.Bind(sandbox.Named("transform", sandbox.Source(transformSrc)))))
				}
			}
			flows[i] = flow.New(spec, opts...)
		}

		controller := flow.NewController(flow.ControllerConfig{
			Executor:  a.executor,
			Logger:    a.logger,
			Redaction: a.redaction,
		})
		out := controller.Execute(cmd.Context(), flow.Chain(flows...))

		switch out.Status {
		case flow.StatusCompleted:
			return a.sink.Render(cmd.Context(), *out.Response)
		case flow.StatusHalted:
			if out.Response != nil {
				if err := a.sink.Render(cmd.Context(), *out.Response); err != nil {
					a.logger.Warn("failed to render halted response", "error", err)
				}
			}
			return fmt.Errorf("chain halted at step %d: %w", out.Steps, out.Err)
		default:
			return errors.New("chain has no steps")
		}
	})
}

// parseStep reads 'METHOD URL [BODY]'. A lone URL means GET.
func parseStep(arg string) (domain.RequestSpec, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return domain.RequestSpec{}, fmt.Errorf("%w: empty step", domain.ErrInvalidInput)
	}

	spec := domain.RequestSpec{}
	if len(fields) == 1 {
		spec.URL = fields[0]
	} else {
		spec.Method = strings.ToUpper(fields[0])
		spec.URL = fields[1]
		if len(fields) > 2 {
			rest := strings.TrimSpace(arg)
			rest = strings.TrimSpace(rest[strings.Index(rest, fields[1])+len(fields[1]):])
			spec.Body = parseBody(rest)
		}
	}
	return spec, spec.Validate()
}

func declarations(names []string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = ""
	}
	return out
}

func declarationsAny(names []string) map[string]any {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = nil
	}
	return out
}
