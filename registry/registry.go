// Package registry holds the configured remote archives (PACS nodes).
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pacscache "github.com/wolfeidau/pacs-cache"
)

// MaxAETitleLength is the longest AE title the network protocol carries.
const MaxAETitleLength = 16

// Node is a remote archive endpoint.
type Node struct {
	AETitle     string `yaml:"ae_title" json:"ae_title"`
	Address     string `yaml:"address" json:"address"`
	Port        int    `yaml:"port" json:"port"`
	Institution string `yaml:"institution" json:"institution"`
	Location    string `yaml:"location,omitempty" json:"location,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Default     bool   `yaml:"default,omitempty" json:"default"`
}

// Validate checks the node's own fields.
func (n Node) Validate() error {
	title := strings.TrimSpace(n.AETitle)
	switch {
	case title == "":
		return pacscache.Invalid("ae_title", "must not be empty")
	case title != n.AETitle:
		return pacscache.Invalid("ae_title", "must not have leading or trailing spaces")
	case len(n.AETitle) > MaxAETitleLength:
		return pacscache.Invalid("ae_title", "must be at most %d characters", MaxAETitleLength)
	case strings.ContainsFunc(n.AETitle, isControl):
		return pacscache.Invalid("ae_title", "must not contain control characters or backslashes")
	}
	if strings.TrimSpace(n.Institution) == "" {
		return pacscache.Invalid("institution", "must not be empty")
	}
	if n.Port < 0 || n.Port > 65535 {
		return pacscache.Invalid("port", "%d is outside 0-65535", n.Port)
	}
	return nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f || r == '\\'
}

// Prober checks whether a node answers a verification request.
type Prober interface {
	Echo(ctx context.Context, node Node) error
}

// TestResult distinguishes "no response" from "responded but the AE title or
// address does not match".
type TestResult struct {
	Reachable bool   `json:"reachable"`
	Correct   bool   `json:"correct"`
	Message   string `json:"message,omitempty"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithPath persists the registry to path after every change.
func WithPath(path string) Option {
	return func(r *Registry) {
		r.path = path
	}
}

// WithProber sets the prober used by Test.
func WithProber(p Prober) Option {
	return func(r *Registry) {
		r.prober = p
	}
}

// Registry is the set of configured nodes. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	path   string
	prober Prober

	mu    sync.RWMutex
	nodes []Node
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Add registers a node. The first node added becomes the default; a node
// added with Default set takes the default from the previous holder.
func (r *Registry) Add(node Node) error {
	if err := node.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(node.AETitle) >= 0 {
		return pacscache.Invalid("ae_title", "%q is already registered", node.AETitle)
	}

	nodes := append(cloneNodes(r.nodes), node)
	if node.Default || len(nodes) == 1 {
		setDefault(nodes, len(nodes)-1)
	}
	if err := r.commit(nodes); err != nil {
		return err
	}
	r.logger.Info("added node", "ae_title", node.AETitle, "address", node.Address, "port", node.Port)
	return nil
}

// Update replaces the node registered as aeTitle. The replacement may carry
// a new AE title as long as it stays unique.
func (r *Registry) Update(aeTitle string, node Node) error {
	if err := node.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(aeTitle)
	if i < 0 {
		return fmt.Errorf("node %q: %w", aeTitle, pacscache.ErrNotFound)
	}
	if j := r.indexOf(node.AETitle); j >= 0 && j != i {
		return pacscache.Invalid("ae_title", "%q is already registered", node.AETitle)
	}

	nodes := cloneNodes(r.nodes)
	wasDefault := nodes[i].Default
	nodes[i] = node
	switch {
	case node.Default:
		setDefault(nodes, i)
	case wasDefault:
		// Unmarking the default hands it to the first node.
		setDefault(nodes, 0)
	}
	if err := r.commit(nodes); err != nil {
		return err
	}
	r.logger.Info("updated node", "ae_title", aeTitle, "new_ae_title", node.AETitle)
	return nil
}

// Remove unregisters a node. If it was the default, the first remaining
// node becomes the default.
func (r *Registry) Remove(aeTitle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(aeTitle)
	if i < 0 {
		return fmt.Errorf("node %q: %w", aeTitle, pacscache.ErrNotFound)
	}

	nodes := cloneNodes(r.nodes)
	wasDefault := nodes[i].Default
	nodes = append(nodes[:i], nodes[i+1:]...)
	if wasDefault && len(nodes) > 0 {
		setDefault(nodes, 0)
	}
	if err := r.commit(nodes); err != nil {
		return err
	}
	r.logger.Info("removed node", "ae_title", aeTitle)
	return nil
}

// SetDefault marks aeTitle as the default node, unmarking the previous one.
func (r *Registry) SetDefault(aeTitle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(aeTitle)
	if i < 0 {
		return fmt.Errorf("node %q: %w", aeTitle, pacscache.ErrNotFound)
	}
	nodes := cloneNodes(r.nodes)
	setDefault(nodes, i)
	return r.commit(nodes)
}

// Get returns the node registered as aeTitle.
func (r *Registry) Get(aeTitle string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(aeTitle)
	if i < 0 {
		return Node{}, fmt.Errorf("node %q: %w", aeTitle, pacscache.ErrNotFound)
	}
	return r.nodes[i], nil
}

// List returns every node in registration order.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneNodes(r.nodes)
}

// ListDefault returns the default node, or false when the registry is empty.
func (r *Registry) ListDefault() (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Default {
			return n, true
		}
	}
	return Node{}, false
}

// Resolve returns the node named by ref, or the default node when ref is empty.
func (r *Registry) Resolve(ref string) (Node, error) {
	if ref == "" {
		n, ok := r.ListDefault()
		if !ok {
			return Node{}, pacscache.Invalid("target", "no PACS node is configured")
		}
		return n, nil
	}
	n, err := r.Get(ref)
	if errors.Is(err, pacscache.ErrNotFound) {
		return Node{}, pacscache.Invalid("target", "unknown PACS node %q", ref)
	}
	return n, err
}

// Test sends a verification request to the node registered as aeTitle.
func (r *Registry) Test(ctx context.Context, aeTitle string) (TestResult, error) {
	node, err := r.Get(aeTitle)
	if err != nil {
		return TestResult{}, err
	}
	if r.prober == nil {
		return TestResult{}, errors.New("no prober configured")
	}

	err = r.prober.Echo(ctx, node)
	result := classifyEcho(err)
	r.logger.Info("tested node",
		"ae_title", aeTitle,
		"reachable", result.Reachable,
		"correct", result.Correct,
	)
	return result, nil
}

func classifyEcho(err error) TestResult {
	switch {
	case err == nil:
		return TestResult{Reachable: true, Correct: true}
	case errors.Is(err, pacscache.ErrProtocolMismatch):
		return TestResult{Reachable: true, Message: err.Error()}
	default:
		return TestResult{Message: err.Error()}
	}
}

// commit installs nodes and persists them. Callers hold mu.
func (r *Registry) commit(nodes []Node) error {
	if r.path != "" {
		if err := writeFile(r.path, nodes); err != nil {
			return err
		}
	}
	r.nodes = nodes
	return nil
}

func (r *Registry) indexOf(aeTitle string) int {
	for i, n := range r.nodes {
		if n.AETitle == aeTitle {
			return i
		}
	}
	return -1
}

func setDefault(nodes []Node, i int) {
	for j := range nodes {
		nodes[j].Default = j == i
	}
}

func cloneNodes(nodes []Node) []Node {
	return append([]Node(nil), nodes...)
}
