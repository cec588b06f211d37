package entropy

import (
	"context"
	"fmt"
	"os"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
)

// NSMProvider draws randomness from the Nitro Secure Module's hardware
// RNG. Only usable inside a Nitro enclave; NewNSMProvider fails fast
// elsewhere so the Source never wastes an attempt on it.
type NSMProvider struct{}

// NSMAvailable reports whether the NSM device is present.
func NSMAvailable() bool {
	_, err := os.Stat("/dev/nsm")
	return err == nil
}

// NewNSMProvider creates an NSM-backed entropy provider.
func NewNSMProvider() (*NSMProvider, error) {
	if !NSMAvailable() {
		return nil, fmt.Errorf("NSM device not present")
	}
	return &NSMProvider{}, nil
}

func (p *NSMProvider) Name() string { return "nitro-nsm" }

func (p *NSMProvider) Random(ctx context.Context, n int) ([]byte, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	defer sess.Close()

	out := make([]byte, 0, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := sess.Send(&request.GetRandom{})
		if err != nil {
			return nil, fmt.Errorf("NSM GetRandom failed: %w", err)
		}
		if res.GetRandom == nil || len(res.GetRandom.Random) == 0 {
			return nil, fmt.Errorf("NSM returned no randomness")
		}
		out = append(out, res.GetRandom.Random...)
	}
	return out[:n], nil
}
