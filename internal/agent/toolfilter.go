package agent

import (
	"strings"
	"sync"

	"coursechat/internal/domain"
)

// ToolFilter applies a course's allow/deny rules to workflow tools. Names
// compare case-insensitively.
type ToolFilter struct {
	allowed map[string]bool // if non-empty, only these tools are enabled
	denied  map[string]bool // always disabled
}

// NewToolFilter creates a filter from allow/deny lists. Denied tools stay
// disabled even when they are also allowed.
func NewToolFilter(allowed, denied []string) *ToolFilter {
	tf := &ToolFilter{
		allowed: make(map[string]bool),
		denied:  make(map[string]bool),
	}
	for _, t := range allowed {
		tf.allowed[strings.ToLower(t)] = true
	}
	for _, t := range denied {
		tf.denied[strings.ToLower(t)] = true
	}
	return tf
}

// Filter returns only the tool definitions that pass the filter.
func (tf *ToolFilter) Filter(defs []domain.ToolDefinition) []domain.ToolDefinition {
	if tf.IsEmpty() {
		return defs
	}
	filtered := make([]domain.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if tf.Enabled(d.Name) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

func (tf *ToolFilter) Enabled(name string) bool {
	if tf == nil {
		return true
	}
	name = strings.ToLower(name)
	if tf.denied[name] {
		return false
	}
	if len(tf.allowed) > 0 {
		return tf.allowed[name]
	}
	return true
}

func (tf *ToolFilter) IsEmpty() bool {
	return tf == nil || (len(tf.allowed) == 0 && len(tf.denied) == 0)
}

// DefinitionSource is the registry side of the catalog.
type DefinitionSource interface {
	Definitions(course string) []domain.ToolDefinition
}

// CourseTools narrows registry definitions with per-course filters. A course
// with tools switched off gets none, which skips tool routing entirely.
type CourseTools struct {
	source DefinitionSource

	mu       sync.RWMutex
	filters  map[string]*ToolFilter
	disabled map[string]bool
}

func NewCourseTools(source DefinitionSource) *CourseTools {
	return &CourseTools{
		source:   source,
		filters:  make(map[string]*ToolFilter),
		disabled: make(map[string]bool),
	}
}

// SetCourse installs the rules for one course.
func (c *CourseTools) SetCourse(course string, enabled bool, allowed, denied []string) {
	course = strings.ToLower(course)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[course] = !enabled
	c.filters[course] = NewToolFilter(allowed, denied)
}

func (c *CourseTools) Definitions(course string) []domain.ToolDefinition {
	key := strings.ToLower(course)
	c.mu.RLock()
	disabled, filter := c.disabled[key], c.filters[key]
	c.mu.RUnlock()
	if disabled {
		return nil
	}
	return filter.Filter(c.source.Definitions(course))
}
