package agent

import (
	"context"
	"fmt"
	"sync"

	"coderunner/pkg/agent/llm"
)

// MockClient provides a controllable implementation of llm.Client for
// testing. Responses and errors are consumed in order; an error at position
// N is returned before response N.
type MockClient struct {
	mu            sync.Mutex
	responses     []llm.CompletionResponse
	responseIndex int
	errors        []error
	errorIndex    int
	requests      []llm.CompletionRequest
}

// NewMockClient creates a mock client with predefined responses.
func NewMockClient(responses []llm.CompletionResponse, errs []error) *MockClient {
	return &MockClient{
		responses: responses,
		errors:    errs,
	}
}

// Complete returns the next predefined response or error.
func (m *MockClient) Complete(_ context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, in)

	if m.errorIndex < len(m.errors) && m.errors[m.errorIndex] != nil {
		err := m.errors[m.errorIndex]
		m.errorIndex++
		return llm.CompletionResponse{}, err
	}
	if m.errorIndex < len(m.errors) {
		m.errorIndex++
	}

	if m.responseIndex >= len(m.responses) {
		return llm.CompletionResponse{}, fmt.Errorf("mock client: no more responses")
	}
	resp := m.responses[m.responseIndex]
	m.responseIndex++
	return resp, nil
}

// GetModelName returns a fixed test model name.
func (m *MockClient) GetModelName() string {
	return "mock-model"
}

// Requests returns the requests seen so far.
func (m *MockClient) Requests() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
