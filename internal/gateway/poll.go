package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ent0n29/parley/internal/reliability"
)

// PollUntilActive checks the file every interval until the remote side reports
// it ACTIVE. It gives up after attempts checks with ErrProcessingTimeout.
func PollUntilActive(ctx context.Context, gw Gateway, name string, interval time.Duration, attempts int) (FileRef, error) {
	if attempts <= 0 {
		attempts = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		ref, err := gw.GetFile(ctx, name)
		if err != nil {
			return FileRef{}, err
		}
		switch ref.State {
		case FileActive, "":
			return ref, nil
		case FileFailed:
			return FileRef{}, &Error{Op: "poll_file", Kind: reliability.KindInvalidRequest, Detail: "remote processing failed for " + name}
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return FileRef{}, &Error{Op: "poll_file", Kind: reliability.ClassifyError(ctx.Err()), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
	return FileRef{}, &Error{
		Op:     "poll_file",
		Kind:   reliability.KindTimeout,
		Detail: fmt.Sprintf("still processing after %d checks", attempts),
		Err:    ErrProcessingTimeout,
	}
}
