package entropy

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsRandomMax is the largest request AWS KMS GenerateRandom serves in
// one call.
const kmsRandomMax = 1024

// KMSProvider draws randomness from AWS KMS GenerateRandom, which is
// backed by FIPS-validated HSMs.
type KMSProvider struct {
	client *kms.Client
}

// NewKMSProvider creates a KMS-backed entropy provider for the given
// region.
func NewKMSProvider(ctx context.Context, region string) (*KMSProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &KMSProvider{client: kms.NewFromConfig(awsCfg)}, nil
}

func (p *KMSProvider) Name() string { return "aws-kms" }

func (p *KMSProvider) Random(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk := n - len(out)
		if chunk > kmsRandomMax {
			chunk = kmsRandomMax
		}
		c32 := int32(chunk)
		result, err := p.client.GenerateRandom(ctx, &kms.GenerateRandomInput{
			NumberOfBytes: &c32,
		})
		if err != nil {
			return nil, fmt.Errorf("KMS GenerateRandom failed: %w", err)
		}
		if len(result.Plaintext) != chunk {
			return nil, fmt.Errorf("KMS returned %d bytes, requested %d", len(result.Plaintext), chunk)
		}
		out = append(out, result.Plaintext...)
	}
	return out, nil
}
