package isolation

import (
	"context"
	"errors"
)

// Run resolves entry in s and parses input. Any error or panic raised while
// doing so comes back as a Thrown and never as a panic.
func Run(ctx context.Context, s *Scope, entry EntryPoint, input string) (tree *RawTree, thrown *Thrown) {
	defer func() {
		if r := recover(); r != nil {
			tree = nil
			thrown = throwPanic(r)
			log.Errorf("panic running %s: %s", entry, thrown.Message)
		}
	}()

	p, err := s.Resolve(entry)
	if err != nil {
		return nil, throwError(err)
	}
	tree, err = p.Parse(ctx, input)
	if err != nil {
		return nil, throwError(err)
	}
	return tree, nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
