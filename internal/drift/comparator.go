package drift

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

// Confidence levels attached to changes.
const (
	confidenceCertain         = 100
	confidenceKeyword         = 90
	confidenceAccessFlip      = 85
	confidenceServiceInferred = 80
)

// Comparator diffs snapshots category by category. A failure in one category
// is isolated and reported; the remaining categories are still compared.
type Comparator struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewComparator(logger *zap.Logger) *Comparator {
	return &Comparator{
		logger: logger.Named("drift.comparator"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Compare returns the changes from base to current in category order
// (environment, file, service, secret, system), sorted by path within a
// category. failures maps categories that could not be compared to the cause.
// A section that failed to capture on either side is not diffed; neither are
// files that could not be read.
func (c *Comparator) Compare(base, current *snapshot.Snapshot) (changes []Change, failures map[Category]error) {
	ts := c.now()
	unread := unreadFiles(base, current)
	compare := map[Category]func() []Change{
		CategoryEnvironment: func() []Change { return diffEnv(base.Env, current.Env) },
		CategoryFile: func() []Change {
			return diffFiles(withoutPaths(base.Files, unread), withoutPaths(current.Files, unread))
		},
		CategoryService: func() []Change { return diffServices(base.Services, current.Services) },
		CategorySecret:  func() []Change { return diffSecrets(base.Secrets, current.Secrets) },
		CategorySystem:  func() []Change { return diffSystem(base.System, current.System) },
	}
	changes = []Change{}
	fail := func(cat Category, err error) {
		if failures == nil {
			failures = make(map[Category]error)
		}
		failures[cat] = err
	}
	for _, cat := range Categories {
		section := categorySections[cat]
		if base.SectionFailed(section) || current.SectionFailed(section) {
			fail(cat, fmt.Errorf("%s section was not captured", section))
			c.logger.Warn("skipping uncaptured section", zap.String("category", string(cat)))
			continue
		}
		found, err := c.safely(cat, compare[cat])
		if err != nil {
			fail(cat, err)
			c.logger.Error("category comparison failed", zap.String("category", string(cat)), zap.Error(err))
			continue
		}
		if cat == CategoryFile && len(unread) > 0 {
			fail(cat, fmt.Errorf("%d file(s) could not be read: %s", len(unread), strings.Join(slices.Sorted(maps.Keys(unread)), ", ")))
		}
		sort.SliceStable(found, func(i, j int) bool { return found[i].Path < found[j].Path })
		for i := range found {
			found[i].ID = uuid.New().String()
			found[i].Category = cat
			found[i].Timestamp = ts
		}
		changes = append(changes, found...)
	}
	return changes, failures
}

var categorySections = map[Category]string{
	CategoryEnvironment: snapshot.SectionEnvironment,
	CategoryFile:        snapshot.SectionFiles,
	CategoryService:     snapshot.SectionServices,
	CategorySecret:      snapshot.SectionSecrets,
	CategorySystem:      snapshot.SectionSystem,
}

func unreadFiles(snaps ...*snapshot.Snapshot) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range snaps {
		for _, p := range s.FailedFiles {
			out[p] = struct{}{}
		}
	}
	return out
}

func withoutPaths(files []snapshot.FileRecord, drop map[string]struct{}) []snapshot.FileRecord {
	if len(drop) == 0 {
		return files
	}
	out := make([]snapshot.FileRecord, 0, len(files))
	for _, f := range files {
		if _, ok := drop[f.Path]; !ok {
			out = append(out, f)
		}
	}
	return out
}

func (c *Comparator) safely(cat Category, fn func() []Change) (out []Change, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compare %s: %v", cat, r)
		}
	}()
	return fn(), nil
}

func diffEnv(base, current map[string]string) []Change {
	var out []Change
	for _, key := range unionKeys(base, current) {
		oldV, inOld := base[key]
		newV, inNew := current[key]
		impact := envImpact(key)
		conf := confidenceCertain
		ch := Change{Path: key, Impact: impact}
		switch {
		case inOld && !inNew:
			ch.Type, ch.OldValue = Removed, envValue(key, oldV)
		case !inOld && inNew:
			ch.Type, ch.NewValue = Added, envValue(key, newV)
		case oldV != newV:
			ch.Type, ch.OldValue, ch.NewValue = Modified, envValue(key, oldV), envValue(key, newV)
			if impact != ImpactLow {
				conf = confidenceKeyword
			}
		default:
			continue
		}
		ch.Confidence = conf
		out = append(out, ch)
	}
	return out
}

// envValue redacts credential-like values to a short fingerprint.
func envValue(key, v string) string {
	if !isSecretKey(key) {
		return v
	}
	return snapshot.Fingerprint(v)
}

func diffFiles(base, current []snapshot.FileRecord) []Change {
	oldByPath := make(map[string]snapshot.FileRecord, len(base))
	for _, f := range base {
		oldByPath[f.Path] = f
	}
	newByPath := make(map[string]snapshot.FileRecord, len(current))
	for _, f := range current {
		newByPath[f.Path] = f
	}
	var out []Change
	for _, path := range unionKeys(oldByPath, newByPath) {
		o, inOld := oldByPath[path]
		n, inNew := newByPath[path]
		ch := Change{Path: path, Impact: fileImpact(path), Confidence: confidenceCertain}
		switch {
		case inOld && !inNew:
			ch.Type, ch.OldValue = Removed, o.Hash
		case !inOld && inNew:
			ch.Type, ch.NewValue = Added, n.Hash
		case o.Hash != n.Hash:
			ch.Type, ch.OldValue, ch.NewValue = Modified, o.Hash, n.Hash
		default:
			continue
		}
		out = append(out, ch)
	}
	return out
}

func diffServices(base, current []snapshot.Service) []Change {
	oldByName := make(map[string]snapshot.Service, len(base))
	for _, s := range base {
		oldByName[s.Name] = s
	}
	newByName := make(map[string]snapshot.Service, len(current))
	for _, s := range current {
		newByName[s.Name] = s
	}
	var out []Change
	for _, name := range unionKeys(oldByName, newByName) {
		o, inOld := oldByName[name]
		n, inNew := newByName[name]
		ch := Change{Path: name}
		switch {
		case inOld && !inNew:
			ch.Type, ch.OldValue = Removed, o
			ch.Impact = serviceImpact(o.Dependencies, configKeys(o.Config), newByName)
			ch.Confidence = confidenceCertain
		case !inOld && inNew:
			ch.Type, ch.NewValue = Added, n
			ch.Impact = serviceImpact(n.Dependencies, configKeys(n.Config), newByName)
			ch.Confidence = confidenceCertain
		case !servicesEqual(o, n):
			ch.Type, ch.OldValue, ch.NewValue = Modified, o, n
			ch.Impact = serviceImpact(symmetricDiff(o.Dependencies, n.Dependencies), changedConfigKeys(o.Config, n.Config), newByName)
			ch.Confidence = confidenceCertain
			if ch.Impact.Rank() > ImpactMedium.Rank() {
				ch.Confidence = confidenceServiceInferred
			}
		default:
			continue
		}
		out = append(out, ch)
	}
	return out
}

// serviceImpact: an auth/security dependency that does not resolve to a known
// service is critical; port/database/security config keys are high.
func serviceImpact(deps, keys []string, known map[string]snapshot.Service) Impact {
	for _, d := range deps {
		if _, ok := known[d]; !ok && containsAny(d, serviceSecurityDeps) {
			return ImpactCritical
		}
	}
	for _, k := range keys {
		if containsAny(k, serviceConfigKeyword) {
			return ImpactHigh
		}
	}
	return ImpactMedium
}

func servicesEqual(a, b snapshot.Service) bool {
	return a.Version == b.Version &&
		a.Status == b.Status &&
		maps.Equal(a.Config, b.Config) &&
		slices.Equal(sorted(a.Dependencies), sorted(b.Dependencies))
}

func diffSecrets(base, current []snapshot.SecretRef) []Change {
	oldByName := make(map[string]snapshot.SecretRef, len(base))
	for _, s := range base {
		oldByName[s.Name] = s
	}
	newByName := make(map[string]snapshot.SecretRef, len(current))
	for _, s := range current {
		newByName[s.Name] = s
	}
	var out []Change
	for _, name := range unionKeys(oldByName, newByName) {
		o, inOld := oldByName[name]
		n, inNew := newByName[name]
		ch := Change{Path: name, Impact: ImpactHigh, Confidence: confidenceCertain}
		switch {
		case inOld && !inNew:
			ch.Type, ch.OldValue = Removed, o
		case !inOld && inNew:
			ch.Type, ch.NewValue = Added, n
		case o != n:
			ch.Type, ch.OldValue, ch.NewValue = Modified, o, n
			switch {
			case o.Accessible && !n.Accessible:
				ch.Impact, ch.Confidence = ImpactCritical, confidenceAccessFlip
			case !o.Accessible && n.Accessible && o.Type == n.Type && o.Source == n.Source:
				ch.Impact, ch.Confidence = ImpactMedium, confidenceAccessFlip
			}
		default:
			continue
		}
		out = append(out, ch)
	}
	return out
}

func diffSystem(base, current snapshot.System) []Change {
	var out []Change
	add := func(path, o, n string, impact Impact) {
		if o == n {
			return
		}
		out = append(out, Change{
			Type: Modified, Path: path, OldValue: o, NewValue: n,
			Impact: impact, Confidence: confidenceCertain,
		})
	}
	add("system.hostname", base.Hostname, current.Hostname, ImpactHigh)
	add("system.platform", base.Platform, current.Platform, ImpactMedium)
	add("system.runtimeVersion", base.RuntimeVersion, current.RuntimeVersion, ImpactMedium)
	return out
}

func unionKeys[V any](a, b map[string]V) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func configKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

func changedConfigKeys(a, b map[string]string) []string {
	var out []string
	for _, k := range unionKeys(a, b) {
		av, inA := a[k]
		bv, inB := b[k]
		if inA != inB || av != bv {
			out = append(out, k)
		}
	}
	return out
}

func symmetricDiff(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, s := range a {
		inA[s] = true
	}
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range a {
		if !inB[s] {
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !inA[s] {
			out = append(out, s)
		}
	}
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
