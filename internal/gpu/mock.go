package gpu

// MockProvider provides fake GPU data for testing
type MockProvider struct {
	Metrics    []Metrics
	InitErr    error
	MetricsErr error
}

func NewMockProvider(metrics []Metrics) *MockProvider {
	return &MockProvider{Metrics: metrics}
}

func (p *MockProvider) Init() error {
	return p.InitErr
}

func (p *MockProvider) Shutdown() error {
	return nil
}

func (p *MockProvider) GetDeviceCount() (int, error) {
	return len(p.Metrics), nil
}

func (p *MockProvider) GetMetrics() ([]Metrics, error) {
	if p.MetricsErr != nil {
		return nil, p.MetricsErr
	}
	return p.Metrics, nil
}

// Compile-time interface check
var _ Provider = (*MockProvider)(nil)
