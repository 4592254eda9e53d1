package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/nhle/aquaportal/internal/gateway"
)

type fakeWorker struct {
	mu      sync.Mutex
	state   WorkerState
	changes []chan WorkerState
}

func (w *fakeWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWorker) StateChanges() <-chan WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan WorkerState, 4)
	w.changes = append(w.changes, ch)
	return ch
}

func (w *fakeWorker) set(state WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	for _, ch := range w.changes {
		ch <- state
	}
}

type fakeProvider struct {
	mu sync.Mutex

	unsupported bool
	// activateAfterRegister moves new workers to active once
	// RegisterWorker has returned; otherwise they stay installing.
	activateAfterRegister bool
	// neverActivate leaves workers installing forever.
	neverActivate bool

	subscribeErrs []error
	resumeErr     error
	unsubErr      error

	workers      []*fakeWorker
	subscribed   int
	resumed      []string
	unsubscribed []string
	credentials  []string

	subscribedWorkerStates []WorkerState

	messages chan Message
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{activateAfterRegister: true, messages: make(chan Message, 8)}
}

func (p *fakeProvider) Supported() bool { return !p.unsupported }

func (p *fakeProvider) RegisterWorker(ctx context.Context) (Worker, error) {
	p.mu.Lock()
	w := &fakeWorker{state: WorkerInstalling}
	p.workers = append(p.workers, w)
	activate := p.activateAfterRegister && !p.neverActivate
	p.mu.Unlock()

	if activate {
		go func() {
			w.set(WorkerWaiting)
			w.set(WorkerActive)
		}()
	}
	return w, nil
}

func (p *fakeProvider) Subscribe(ctx context.Context, credential string, worker Worker) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.credentials = append(p.credentials, credential)
	p.subscribedWorkerStates = append(p.subscribedWorkerStates, worker.State())
	if len(p.subscribeErrs) > 0 {
		err := p.subscribeErrs[0]
		p.subscribeErrs = p.subscribeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	p.subscribed++
	return fmt.Sprintf("token-%d", p.subscribed), nil
}

func (p *fakeProvider) Resume(ctx context.Context, token string, worker Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resumeErr != nil {
		return p.resumeErr
	}
	p.resumed = append(p.resumed, token)
	return nil
}

func (p *fakeProvider) Unsubscribe(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed = append(p.unsubscribed, token)
	return p.unsubErr
}

func (p *fakeProvider) Messages() <-chan Message { return p.messages }

type fakeDeviceGateway struct {
	mu sync.Mutex

	registerErr   error
	unregisterErr error
	registered    []gateway.RegisterDeviceRequest
	unregistered  []gateway.UnregisterDeviceRequest
}

func (g *fakeDeviceGateway) RegisterDevice(ctx context.Context, req gateway.RegisterDeviceRequest) (*gateway.RegisterDeviceResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registered = append(g.registered, req)
	if g.registerErr != nil {
		return nil, g.registerErr
	}
	return &gateway.RegisterDeviceResponse{DeviceID: "42", Message: "registered", Raw: `{"status":"success","data":{"device_id":42}}`}, nil
}

func (g *fakeDeviceGateway) UnregisterDevice(ctx context.Context, req gateway.UnregisterDeviceRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unregistered = append(g.unregistered, req)
	return g.unregisterErr
}

type fakePrompter struct {
	supported bool
	answer    bool
	err       error
	calls     int
}

func (p *fakePrompter) Supported() bool { return p.supported }

func (p *fakePrompter) Prompt(ctx context.Context) (bool, error) {
	p.calls++
	return p.answer, p.err
}
