package directory

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/ratify/model"
)

// UserPrefix marks an escalation or assignment target that names a user
// rather than a role.
const UserPrefix = "user:"

// Resolution is the outcome of resolving one approver seat.
type Resolution struct {
	Role     string
	Nominal  string
	Identity string
	// RuleID is the delegation rule that redirected the seat, if any.
	RuleID string
	// SnapshotVersion identifies the rule set the resolution was made against.
	SnapshotVersion uint64
}

// Delegated reports whether a delegation redirected the seat.
func (r Resolution) Delegated() bool { return r.RuleID != "" }

// ruleSnapshot is an immutable, indexed view of the delegation rules.
type ruleSnapshot struct {
	byFrom  map[string][]model.DelegationRule
	version uint64
}

// Resolver resolves role holders and applies delegation. Rules are read from
// an immutable snapshot swapped atomically on Reload, so resolution never
// blocks writers or other resolvers.
type Resolver struct {
	dir    Directory
	store  DelegationStore
	logger *zap.Logger

	reloadMu sync.Mutex
	snap     atomic.Pointer[ruleSnapshot]
}

// NewResolver creates a Resolver. Call Reload to load the rule snapshot.
func NewResolver(dir Directory, store DelegationStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{dir: dir, store: store, logger: logger}
	r.snap.Store(&ruleSnapshot{byFrom: map[string][]model.DelegationRule{}})
	return r
}

// Reload rebuilds the rule snapshot from the store.
func (r *Resolver) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	rules, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list delegations: %w", err)
	}

	s := &ruleSnapshot{
		byFrom:  make(map[string][]model.DelegationRule),
		version: r.snap.Load().version + 1,
	}
	for _, rule := range rules {
		if rule.Status != model.DelegationActive {
			continue
		}
		s.byFrom[rule.FromUser] = append(s.byFrom[rule.FromUser], rule)
	}
	r.snap.Store(s)

	r.logger.Debug("delegation snapshot rebuilt",
		zap.Int("rules", len(rules)),
		zap.Uint64("version", s.version),
	)
	return nil
}

// SnapshotVersion returns the version of the current rule snapshot.
func (r *Resolver) SnapshotVersion() uint64 {
	return r.snap.Load().version
}

// Effective returns the delegation rule that redirects user at asOf within
// scope, choosing deterministically among overlapping rules.
func (r *Resolver) Effective(user string, asOf time.Time, scope model.DelegationScope) (model.DelegationRule, bool) {
	return effectiveRule(r.snap.Load().byFrom[user], asOf, scope)
}

// ResolveUser applies delegation to a single nominal user.
func (r *Resolver) ResolveUser(user, role string, asOf time.Time, scope model.DelegationScope) Resolution {
	s := r.snap.Load()
	res := Resolution{Role: role, Nominal: user, Identity: user, SnapshotVersion: s.version}
	if rule, ok := effectiveRule(s.byFrom[user], asOf, scope); ok {
		res.Identity = rule.ToUser
		res.RuleID = rule.ID
	}
	return res
}

// Resolve returns the first resolvable approver for role.
func (r *Resolver) Resolve(ctx context.Context, role string, asOf time.Time, scope model.DelegationScope) (Resolution, error) {
	seats, err := r.ResolveSeats(ctx, role, 1, asOf, scope)
	if err != nil {
		return Resolution{}, err
	}
	return seats[0], nil
}

// ResolveSeats returns count approvers for role, drawn from distinct holders
// in directory order. Holders whose resolved identity is excluded, or already
// taken by an earlier seat, are skipped. A target with the "user:" prefix
// resolves to that single user. Fewer than count resolvable approvers yields
// NO_APPROVERS_RESOLVABLE.
func (r *Resolver) ResolveSeats(
	ctx context.Context,
	role string,
	count int,
	asOf time.Time,
	scope model.DelegationScope,
	exclude ...string,
) ([]Resolution, error) {
	out, err := r.resolve(ctx, role, count, asOf, scope, exclude)
	if err != nil {
		return nil, err
	}
	if count < 1 || len(out) < count {
		return nil, model.NewNoApproversResolvableError(role, count, len(out))
	}
	return out, nil
}

// ResolveAll resolves every eligible holder of role, as used by group
// assignment. At least minCount must be resolvable.
func (r *Resolver) ResolveAll(
	ctx context.Context,
	role string,
	minCount int,
	asOf time.Time,
	scope model.DelegationScope,
	exclude ...string,
) ([]Resolution, error) {
	out, err := r.resolve(ctx, role, 0, asOf, scope, exclude)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 || len(out) < minCount {
		return nil, model.NewNoApproversResolvableError(role, max(minCount, 1), len(out))
	}
	return out, nil
}

// resolve walks the holders of role; limit 0 means no limit.
func (r *Resolver) resolve(
	ctx context.Context,
	role string,
	limit int,
	asOf time.Time,
	scope model.DelegationScope,
	exclude []string,
) ([]Resolution, error) {
	holders, err := r.holders(ctx, role)
	if err != nil {
		return nil, err
	}

	// Resolve against one snapshot so all seats agree on the rule set.
	s := r.snap.Load()
	taken := slices.Clone(exclude)
	var out []Resolution
	for _, h := range holders {
		if limit > 0 && len(out) == limit {
			break
		}
		res := Resolution{Role: role, Nominal: h, Identity: h, SnapshotVersion: s.version}
		if rule, ok := effectiveRule(s.byFrom[h], asOf, scope); ok {
			res.Identity = rule.ToUser
			res.RuleID = rule.ID
		}
		if slices.Contains(taken, res.Identity) {
			continue
		}
		taken = append(taken, res.Identity)
		out = append(out, res)
	}
	return out, nil
}

func (r *Resolver) holders(ctx context.Context, role string) ([]string, error) {
	if user, ok := strings.CutPrefix(role, UserPrefix); ok {
		if user == "" {
			return nil, nil
		}
		return []string{user}, nil
	}
	holders, err := r.dir.Holders(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("directory lookup for role %q: %w", role, err)
	}
	return holders, nil
}

// matches reports whether rule redirects authority at asOf within scope.
func matches(rule model.DelegationRule, asOf time.Time, scope model.DelegationScope) bool {
	if rule.Status != model.DelegationActive {
		return false
	}
	if asOf.Before(rule.StartDate) || !asOf.Before(rule.EndDate) {
		return false
	}
	if len(rule.WorkflowTypes) > 0 && !slices.Contains(rule.WorkflowTypes, scope.WorkflowType) {
		return false
	}
	if rule.AmountLimit != nil && scope.Amount.GreaterThan(*rule.AmountLimit) {
		return false
	}
	return true
}

func effectiveRule(rules []model.DelegationRule, asOf time.Time, scope model.DelegationScope) (model.DelegationRule, bool) {
	var (
		best  model.DelegationRule
		found bool
	)
	for _, rule := range rules {
		if !matches(rule, asOf, scope) {
			continue
		}
		if !found || narrower(rule, best) {
			best, found = rule, true
		}
	}
	return best, found
}

// narrower reports whether a takes precedence over b. Rules are ordered by
// one key: more constrained dimensions, then fewer workflow types, then a
// smaller amount limit, then the most recently created, then the lowest ID.
// An unscoped dimension sorts after every scoped value.
func narrower(a, b model.DelegationRule) bool {
	if da, db := dimensions(a), dimensions(b); da != db {
		return da > db
	}
	if c := cmp.Compare(typeRank(a), typeRank(b)); c != 0 {
		return c < 0
	}
	if c := compareLimits(a.AmountLimit, b.AmountLimit); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// typeRank is the number of workflow types a rule covers, with an unscoped
// rule ranked last.
func typeRank(r model.DelegationRule) int {
	if len(r.WorkflowTypes) == 0 {
		return math.MaxInt
	}
	return len(r.WorkflowTypes)
}

// compareLimits orders amount limits ascending, nil last.
func compareLimits(a, b *decimal.Decimal) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Cmp(*b)
	}
}

func dimensions(r model.DelegationRule) int {
	n := 0
	if len(r.WorkflowTypes) > 0 {
		n++
	}
	if r.AmountLimit != nil {
		n++
	}
	return n
}
