package embedding

import "context"

// FakeService is a deterministic Service for tests: it hashes text into a
// small fixed-dimension vector rather than calling out to a real backend.
type FakeService struct {
	Configured bool
	Dim        int
}

func NewFakeService() *FakeService { return &FakeService{Configured: true, Dim: 8} }

func (f *FakeService) IsConfigured() bool { return f.Configured }

func (f *FakeService) Embed(_ context.Context, text string) ([]float32, error) {
	dim := f.Dim
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	for i, r := range text {
		vec[i%dim] += float32(r % 31)
	}
	return vec, nil
}
