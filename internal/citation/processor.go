package citation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"coursechat/internal/domain"
)

// ErrNoLink is returned by a resolver when a context item carries nothing
// that can be linked to.
var ErrNoLink = errors.New("context item has no linkable location")

// LinkResolver turns a context item into the target of a citation link.
type LinkResolver interface {
	Resolve(ctx context.Context, item domain.ContextItem) (string, error)
}

// DefaultResolver links to the item URL, then to FileBaseURL joined with the
// stored object path, then to an in-page anchor named after the file.
type DefaultResolver struct {
	FileBaseURL string
}

func (r DefaultResolver) Resolve(_ context.Context, item domain.ContextItem) (string, error) {
	switch {
	case item.URL != "":
		return linkEscaper.Replace(strings.TrimSpace(item.URL)), nil
	case item.S3Path != "" && r.FileBaseURL != "":
		p := (&url.URL{Path: strings.TrimPrefix(item.S3Path, "/")}).EscapedPath()
		return strings.TrimRight(r.FileBaseURL, "/") + "/" + p, nil
	case item.ReadableFilename != "":
		return "#" + url.PathEscape(item.ReadableFilename), nil
	}
	return "", ErrNoLink
}

// linkEscaper percent-encodes the characters that end or break a markdown
// link target. URLs are otherwise kept as given.
var linkEscaper = strings.NewReplacer(
	" ", "%20",
	"(", "%28",
	")", "%29",
	"<", "%3C",
	">", "%3E",
	"\n", "%0A",
)

// LinkCache maps a citation index to its resolved link for one response.
// Failed lookups are remembered too so the resolver is asked at most once per
// index.
type LinkCache struct {
	links  map[int]string
	failed map[int]struct{}
}

func NewLinkCache() *LinkCache {
	return &LinkCache{links: make(map[int]string), failed: make(map[int]struct{})}
}

func (c *LinkCache) Get(index int) (string, bool) {
	l, ok := c.links[index]
	return l, ok
}

func (c *LinkCache) Len() int { return len(c.links) }

// Processor drives the state machine for one streamed response and rewrites
// citations against the contexts of the preceding user message.
type Processor struct {
	contexts []domain.ContextItem
	resolver LinkResolver
	cache    *LinkCache
	state    Context
	logger   *slog.Logger

	resolved   int
	unresolved int
}

type ProcessorConfig struct {
	Contexts []domain.ContextItem
	Resolver LinkResolver
	Logger   *slog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Resolver == nil {
		cfg.Resolver = DefaultResolver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		contexts: cfg.Contexts,
		resolver: cfg.Resolver,
		cache:    NewLinkCache(),
		logger:   cfg.Logger,
	}
}

// State returns the machine state carried into the next chunk.
func (p *Processor) State() Context { return p.state }

// Cache exposes the per-response link cache.
func (p *Processor) Cache() *LinkCache { return p.cache }

// Stats returns how many citation refs were rewritten and how many were left as-is.
func (p *Processor) Stats() (resolved, unresolved int) { return p.resolved, p.unresolved }

// Process converts one raw chunk into display text. Text belonging to an
// unfinished marker is held back until a later chunk closes it.
func (p *Processor) Process(ctx context.Context, chunk string) string {
	next, segs := Step(p.state, chunk)
	p.state = next

	var sb strings.Builder
	for _, s := range segs {
		if s.Kind == SegmentText {
			sb.WriteString(s.Text)
			continue
		}
		sb.WriteString(p.rewrite(ctx, s.Text))
	}
	return sb.String()
}

// Flush returns any text still held in the buffer and resets the machine.
func (p *Processor) Flush() string {
	var rest string
	p.state, rest = Flush(p.state)
	return rest
}

func (p *Processor) rewrite(ctx context.Context, bracket string) string {
	refs, ok := Parse(bracket)
	if !ok {
		return bracket
	}

	parts := make([]string, 0, len(refs))
	rewrote := false
	for _, ref := range refs {
		link, ok := p.link(ctx, ref.Index)
		if !ok {
			p.unresolved++
			parts = append(parts, "["+ref.Raw+"]")
			continue
		}
		p.resolved++
		rewrote = true
		parts = append(parts, renderRef(ref, link))
	}
	if !rewrote {
		return bracket
	}
	return strings.Join(parts, ", ")
}

func (p *Processor) link(ctx context.Context, index int) (string, bool) {
	if l, ok := p.cache.links[index]; ok {
		return l, true
	}
	if _, failed := p.cache.failed[index]; failed {
		return "", false
	}
	if index < 1 || index > len(p.contexts) {
		p.cache.failed[index] = struct{}{}
		return "", false
	}

	l, err := p.resolver.Resolve(ctx, p.contexts[index-1])
	if err != nil {
		p.logger.Debug("citation not resolved", "index", index, "err", err)
		p.cache.failed[index] = struct{}{}
		return "", false
	}
	p.cache.links[index] = l
	return l, true
}

func renderRef(ref Ref, link string) string {
	label := strconv.Itoa(ref.Index)
	if ref.Page == "" {
		return fmt.Sprintf("[%s](%s)", label, link)
	}
	sep := "#"
	if strings.Contains(link, "#") {
		sep = "&"
	}
	return fmt.Sprintf("[%s, page: %s](%s%spage=%s)", label, ref.Page, link, sep, ref.Page)
}
