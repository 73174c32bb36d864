package server

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/covenantlabs/covenant-go/pkg/errors"
	"github.com/covenantlabs/covenant-go/pkg/schema"
)

/*
RunProcedure executes the full dispatch pipeline for one procedure call:
lookup, input validation, context, derivation, handler, resource
collection, output validation. Queries and mutations share this path.

Stack traces never reach the result; unexpected faults are logged here and
surfaced as a sanitized 500.
*/
func (s *Server) RunProcedure(ctx context.Context, name string, rawInputs any, headers Headers) (result ProcedureResult) {
	proc, declared := s.cov.Procedure(name)
	if !declared {
		return failure(errors.ErrNotFound.WithMessagef("procedure %q not found", name))
	}

	if issues := schema.Validate(proc.Input, rawInputs); issues != nil {
		return failure(errors.ErrBadInput.WithMessagef(
			"parsing procedure inputs for %q failed: %s", name, issues.Summary(),
		))
	}

	// The sentinel raised by args.Error and the derivation's raise is only
	// observable here; anything else that panics is an internal fault.
	defer func() {
		if recovered := recover(); recovered != nil {
			if signal, ok := recovered.(procedureSignal); ok {
				result = failure(signal.err)
				return
			}
			log.Error("procedure handler panicked", "procedure", name, "panic", recovered)
			result = failure(errors.ErrInternal)
		}
	}()

	raise := func(message string, code int) {
		if code == 0 {
			code = 400
		}
		panic(procedureSignal{err: &errors.ProcedureError{Code: code, Message: message}})
	}

	reqContext, ctxErr := s.buildContext(ctx, headers)
	if ctxErr != nil {
		return failure(ctxErr)
	}

	if err := ctx.Err(); err != nil {
		return cancelled(name)
	}

	derivation := s.buildDerivation(ctx, reqContext, raise)

	outputs := s.procedures[name].Handler(ProcedureArgs{
		Ctx:        ctx,
		Inputs:     rawInputs,
		Context:    reqContext,
		Derivation: derivation,
		Headers:    headers,
		Error:      raise,
	})

	// A handler that produced output after its deadline is ignored, and its
	// resources are never published.
	if err := ctx.Err(); err != nil {
		return cancelled(name)
	}

	var resources []string
	if resourcesFn := s.procedures[name].Resources; resourcesFn != nil {
		resources = dedupe(resourcesFn(ResourceArgs{
			Inputs:  rawInputs,
			Outputs: outputs,
			Context: reqContext,
		}))
	}

	if issues := schema.Validate(proc.Output, outputs); issues != nil {
		log.Error(
			"procedure output violated its contract",
			"procedure", name,
			"issues", issues.Summary(),
		)
		return failure(errors.ErrContract.WithMessagef(
			"procedure %q returned output violating its contract", name,
		))
	}

	return ProcedureResult{OK: true, Data: outputs, Resources: resources}
}

func failure(err *errors.ProcedureError) ProcedureResult {
	return ProcedureResult{Err: err}
}

func cancelled(name string) ProcedureResult {
	return failure(errors.ErrInternal.WithMessagef("procedure %q cancelled", name))
}

// dedupe removes duplicate resources, preserving first-seen order.
func dedupe(resources []string) []string {
	seen := make(map[string]struct{}, len(resources))
	out := make([]string, 0, len(resources))

	for _, resource := range resources {
		if _, dup := seen[resource]; dup {
			continue
		}
		seen[resource] = struct{}{}
		out = append(out, resource)
	}

	return out
}
