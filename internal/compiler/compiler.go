// Package compiler runs upload-time compile checks over rule pack items.
// Results are advisory metadata on the item; the deployment engine treats
// rule bodies as opaque beyond the stored result.
package compiler

import (
	"context"
	"fmt"

	"github.com/haywardsec/rulegate/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Compiler checks a single rule body.
type Compiler interface {
	Compile(ctx context.Context, item *domain.RulePackItem) domain.CompileResult
}

// Multi dispatches to a per-kind compiler.
type Multi struct {
	compilers map[string]Compiler
}

// NewMulti returns a dispatcher with the built-in rule kinds registered.
func NewMulti() *Multi {
	return &Multi{
		compilers: map[string]Compiler{
			domain.RuleKindNative: &Native{},
			domain.RuleKindSigma:  &Sigma{},
		},
	}
}

// Compile checks the item with the compiler registered for its kind.
func (m *Multi) Compile(ctx context.Context, item *domain.RulePackItem) domain.CompileResult {
	c, ok := m.compilers[item.Kind]
	if !ok {
		return domain.CompileResult{
			Errors: []string{fmt.Sprintf("unsupported rule kind %q", item.Kind)},
		}
	}
	return c.Compile(ctx, item)
}

// compileConcurrency bounds the upload-time worker count.
const compileConcurrency = 8

// CompileAll checks every item and stores the result on it.
func CompileAll(ctx context.Context, c Compiler, items []*domain.RulePackItem) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(compileConcurrency)
	for i := range items {
		item := items[i]
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item.Compile = c.Compile(ctx, item)
			return nil
		})
	}
	return g.Wait()
}
