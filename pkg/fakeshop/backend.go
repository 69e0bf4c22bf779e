package fakeshop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cgast/missionctl/pkg/evidence"
	"github.com/cgast/missionctl/pkg/tool"
)

// Fault makes a tool fail. Times < 0 fails every call; otherwise the fault
// is consumed after Times calls.
type Fault struct {
	Code    tool.ErrorCode
	Message string
	Times   int
	// Transport returns a Go error instead of a failure envelope, as a
	// dropped connection would.
	Transport bool
	Delay     time.Duration
}

// Stats counts what the backend has created and served.
type Stats struct {
	Carts       int
	DraftOrders int
	Snapshots   int
	Calls       map[string]int
}

type cachedResponse struct {
	paramsHash string
	resp       tool.Response
}

type cartLine struct {
	OfferID  string
	SKUID    string
	Quantity int
}

type cart struct {
	ID        string
	UserID    string
	SessionID string
	Lines     []cartLine
}

type draftOrder struct {
	ID        string
	CartID    string
	Payable   string
	Status    string
	ExpiresAt time.Time
	Evidence  []string
}

// Backend is an in-memory tool.Backend over a Catalog.
type Backend struct {
	mu        sync.Mutex
	catalog   *Catalog
	registry  *Registry
	faults    map[string]*Fault
	cache     map[string]cachedResponse
	carts     map[string]*cart
	drafts    map[string]*draftOrder
	snapshots map[string]json.RawMessage
	calls     map[string]int
	seq       int
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a backend serving the given catalog with every built-in tool
// registered.
func New(c *Catalog, opts ...Option) *Backend {
	b := &Backend{
		catalog:   c,
		registry:  NewRegistry(),
		faults:    make(map[string]*Fault),
		cache:     make(map[string]cachedResponse),
		carts:     make(map[string]*cart),
		drafts:    make(map[string]*draftOrder),
		snapshots: make(map[string]json.RawMessage),
		calls:     make(map[string]int),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "fakeshop")
	for _, t := range builtinTools() {
		if err := b.registry.Register(t); err != nil {
			panic(err)
		}
	}
	return b
}

// Registry exposes the tool registry, for listings.
func (b *Backend) Registry() *Registry { return b.registry }

// Catalog returns the catalog being served.
func (b *Backend) Catalog() *Catalog { return b.catalog }

// Inject installs a fault for a tool, replacing any previous one.
func (b *Backend) Inject(toolName string, f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f.Message == "" {
		f.Message = "injected fault"
	}
	b.faults[toolName] = &f
}

// ClearFaults removes every injected fault.
func (b *Backend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = make(map[string]*Fault)
}

// Stats returns a snapshot of the counters.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := make(map[string]int, len(b.calls))
	for k, v := range b.calls {
		calls[k] = v
	}
	return Stats{Carts: len(b.carts), DraftOrders: len(b.drafts), Snapshots: len(b.snapshots), Calls: calls}
}

func (b *Backend) takeFault(name string) *Fault {
	f, ok := b.faults[name]
	if !ok || f.Times == 0 {
		return nil
	}
	if f.Times > 0 {
		f.Times--
	}
	cp := *f
	return &cp
}

// Call serves one request. Faults are applied first, then idempotency, then
// the handler.
func (b *Backend) Call(ctx context.Context, req tool.Request) (tool.Response, error) {
	b.mu.Lock()
	b.calls[req.ToolName]++
	fault := b.takeFault(req.ToolName)
	b.mu.Unlock()

	if fault != nil {
		if fault.Delay > 0 {
			select {
			case <-ctx.Done():
				return tool.Response{}, ctx.Err()
			case <-time.After(fault.Delay):
			}
		}
		b.logger.Debug("fault.injected", "tool", req.ToolName, "code", fault.Code)
		if fault.Transport {
			return tool.Response{}, fmt.Errorf("fakeshop: %s: %s", req.ToolName, fault.Message)
		}
		if fault.Code != "" {
			return tool.Failure(fault.Code, "%s", fault.Message), nil
		}
	}

	t, err := b.registry.Resolve(req.ToolName)
	if err != nil {
		return failure(err), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var cacheKey, paramsHash string
	if t.Mutating {
		if req.IdempotencyKey == "" {
			return tool.Failure(tool.CodeInvalidArgument, "%s requires an idempotency key", req.ToolName), nil
		}
		paramsHash, err = evidence.HashValue(req.Params)
		if err != nil {
			return tool.Failure(tool.CodeInvalidArgument, "params: %v", err), nil
		}
		cacheKey = req.ToolName + "|" + req.IdempotencyKey
		if prev, ok := b.cache[cacheKey]; ok {
			if prev.paramsHash != paramsHash {
				return tool.Failure(tool.CodeInvalidArgument,
					"idempotency key %s reused with different params", req.IdempotencyKey), nil
			}
			b.logger.Debug("idempotent.replay", "tool", req.ToolName, "key", req.IdempotencyKey)
			return prev.resp, nil
		}
	}

	data, err := t.Handle(ctx, b, req)
	if err != nil {
		return failure(err), nil
	}
	resp, err := tool.Success(data)
	if err != nil {
		return tool.Failure(tool.CodeInternal, "%v", err), nil
	}
	if t.Mutating {
		b.cache[cacheKey] = cachedResponse{paramsHash: paramsHash, resp: resp}
	}
	return resp, nil
}

func failure(err error) tool.Response {
	var te *tool.Error
	if errors.As(err, &te) {
		return tool.Response{OK: false, Error: te}
	}
	return tool.Failure(tool.CodeInternal, "%v", err)
}

func (b *Backend) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s_%06d", prefix, b.seq)
}

// decodeParams maps loosely typed params onto a struct through JSON, so
// values decoded from the wire and values built in process behave alike.
func decodeParams(params map[string]any, v any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return tool.Errorf(tool.CodeInvalidArgument, "params: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return tool.Errorf(tool.CodeInvalidArgument, "params: %v", err)
	}
	return nil
}
