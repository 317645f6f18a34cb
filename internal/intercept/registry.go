package intercept

import (
	"sync"

	"netintercept/internal/urlpattern"
	"netintercept/pkg/domain"

	"github.com/google/uuid"
)

// Intercept 已注册的拦截规则，创建后不可变
type Intercept struct {
	ID       domain.InterceptID
	Phases   domain.PhaseSet
	Patterns []*urlpattern.Pattern
}

// Matches 判断给定阶段下的 URL 是否命中该规则；无模式时匹配所有 URL
func (ic *Intercept) Matches(url string, phase domain.Phase) bool {
	if !ic.Phases.Has(phase) {
		return false
	}
	if len(ic.Patterns) == 0 {
		return true
	}
	for _, p := range ic.Patterns {
		if p.Match(url) {
			return true
		}
	}
	return false
}

// Info 返回规则的只读视图
func (ic *Intercept) Info() domain.InterceptInfo {
	info := domain.InterceptInfo{ID: ic.ID, Phases: ic.Phases.Sorted()}
	for _, p := range ic.Patterns {
		info.Patterns = append(info.Patterns, p.String())
	}
	return info
}

// Registry 拦截规则注册表，只负责规则本身，不感知网络
type Registry struct {
	mu     sync.RWMutex
	order  []domain.InterceptID
	byID   map[domain.InterceptID]*Intercept
	issued map[domain.InterceptID]struct{}
	newID  func() domain.InterceptID
}

// Option 注册表配置项
type Option func(*Registry)

// WithIDGenerator 替换规则 ID 生成器
func WithIDGenerator(fn func() domain.InterceptID) Option {
	return func(r *Registry) { r.newID = fn }
}

// New 创建注册表
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:   make(map[domain.InterceptID]*Intercept),
		issued: make(map[domain.InterceptID]struct{}),
		newID:  func() domain.InterceptID { return domain.InterceptID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidatePhases 阶段列表须非空且只含已知阶段
func ValidatePhases(phases []domain.Phase) error {
	if len(phases) == 0 {
		return domain.InvalidArgument("At least one phase must be specified.")
	}
	for _, p := range phases {
		if !p.Valid() {
			return domain.InvalidArgument("Unknown phase '%s'", p)
		}
	}
	return nil
}

// Add 校验并注册规则；校验全部通过前不修改注册表
func (r *Registry) Add(phases []domain.Phase, specs []urlpattern.Spec) (domain.InterceptID, error) {
	if err := ValidatePhases(phases); err != nil {
		return "", err
	}
	patterns := make([]*urlpattern.Pattern, 0, len(specs))
	for _, s := range specs {
		p, err := urlpattern.Compile(s)
		if err != nil {
			return "", err
		}
		patterns = append(patterns, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, used := r.issued[id]; !used {
			break
		}
		id = r.newID()
	}
	r.issued[id] = struct{}{}
	r.byID[id] = &Intercept{ID: id, Phases: domain.NewPhaseSet(phases...), Patterns: patterns}
	r.order = append(r.order, id)
	return id, nil
}

// Remove 删除规则，不存在时返回 no such intercept
func (r *Registry) Remove(id domain.InterceptID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return domain.NoSuchIntercept(id)
	}
	delete(r.byID, id)
	for i, cur := range r.order {
		if cur == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get 获取规则
func (r *Registry) Get(id domain.InterceptID) (*Intercept, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ic, ok := r.byID[id]
	return ic, ok
}

// ListMatching 按注册顺序返回命中给定 URL 与阶段的规则 ID
func (r *Registry) ListMatching(url string, phase domain.Phase) []domain.InterceptID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.InterceptID
	for _, id := range r.order {
		if r.byID[id].Matches(url, phase) {
			out = append(out, id)
		}
	}
	return out
}

// List 按注册顺序返回全部规则
func (r *Registry) List() []domain.InterceptInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]domain.InterceptInfo, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.byID[id].Info())
	}
	return list
}

// Phases 返回当前所有规则用到的阶段并集
func (r *Registry) Phases() domain.PhaseSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := domain.PhaseSet{}
	for _, ic := range r.byID {
		for p := range ic.Phases {
			set[p] = struct{}{}
		}
	}
	return set
}

// Len 已注册规则数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
