package record

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Filter selects records. Zero-valued fields do not narrow the selection.
type Filter struct {
	World string

	HasCenter bool
	Center    Vec3i
	Radius    int

	Actors  []string
	Since   time.Time
	Until   time.Time
	Kinds   []Kind
	Actions []Action
	// Types matches item, block or victim ids (see Record.TypeID).
	Types []string

	ExcludeRolledBack bool
	Limit             int
}

// Near is a spatial filter around center; radius 0 selects a single position.
func Near(world string, center Vec3i, radius int) Filter {
	return Filter{World: world, HasCenter: true, Center: center, Radius: radius}
}

// Dimensions counts the independently narrowing dimensions among spatial,
// temporal and actor.
func (f Filter) Dimensions() int {
	n := 0
	if f.HasCenter {
		n++
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		n++
	}
	if len(f.Actors) > 0 {
		n++
	}
	return n
}

// Match applies every predicate of f to r, including the exact distance check.
func (f Filter) Match(r *Record) bool {
	if r == nil || r.Payload == nil {
		return false
	}
	if f.World != "" && r.World != f.World {
		return false
	}
	if f.HasCenter && r.Pos.DistSq(f.Center) > int64(f.Radius)*int64(f.Radius) {
		return false
	}
	if f.ExcludeRolledBack && r.RolledBack() {
		return false
	}
	if len(f.Actors) > 0 && !slices.ContainsFunc(f.Actors, func(a string) bool { return strings.EqualFold(a, r.Actor) }) {
		return false
	}
	if !f.Since.IsZero() && r.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Time.After(f.Until) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, r.Kind()) {
		return false
	}
	if len(f.Actions) > 0 && !slices.Contains(f.Actions, r.Action()) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, r.TypeID()) {
		return false
	}
	return true
}

// Key is a canonical encoding of f, stable under reordering of its set-valued
// fields.
func (f Filter) Key() string {
	var b strings.Builder
	b.WriteString("w=")
	b.WriteString(strconv.Quote(f.World))
	if f.HasCenter {
		fmt.Fprintf(&b, "|c=%s|r=%d", f.Center, f.Radius)
	}
	if len(f.Actors) > 0 {
		as := make([]string, len(f.Actors))
		for i, a := range f.Actors {
			as[i] = strings.ToLower(strings.TrimSpace(a))
		}
		b.WriteString("|a=")
		b.WriteString(joinSorted(as))
	}
	if !f.Since.IsZero() {
		fmt.Fprintf(&b, "|s=%d", f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		fmt.Fprintf(&b, "|u=%d", f.Until.UnixNano())
	}
	if len(f.Kinds) > 0 {
		ks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ks[i] = string(k)
		}
		b.WriteString("|k=")
		b.WriteString(joinSorted(ks))
	}
	if len(f.Actions) > 0 {
		as := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			as[i] = string(a)
		}
		b.WriteString("|x=")
		b.WriteString(joinSorted(as))
	}
	if len(f.Types) > 0 {
		b.WriteString("|t=")
		b.WriteString(joinSorted(slices.Clone(f.Types)))
	}
	if f.ExcludeRolledBack {
		b.WriteString("|live")
	}
	if f.Limit > 0 {
		fmt.Fprintf(&b, "|l=%d", f.Limit)
	}
	return b.String()
}

func joinSorted(ss []string) string {
	sort.Strings(ss)
	ss = slices.Compact(ss)
	for i, s := range ss {
		ss[i] = strconv.Quote(s)
	}
	return strings.Join(ss, ",")
}

// SortNewestFirst orders records by descending time, then descending id.
func SortNewestFirst(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Time.Equal(recs[j].Time) {
			return recs[i].Time.After(recs[j].Time)
		}
		return recs[i].ID > recs[j].ID
	})
}

var timeUnits = map[rune]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseSince parses operator time specs such as "1h", "2d12h" or "1w".
func ParseSince(spec string) (time.Duration, error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	if spec == "" {
		return 0, fmt.Errorf("empty time spec")
	}
	var total time.Duration
	num := 0
	digits := 0
	for _, c := range spec {
		switch {
		case unicode.IsDigit(c):
			num = num*10 + int(c-'0')
			digits++
			if digits > 9 {
				return 0, fmt.Errorf("time spec %q: number too large", spec)
			}
		default:
			unit, ok := timeUnits[c]
			if !ok {
				return 0, fmt.Errorf("time spec %q: unknown unit %q", spec, c)
			}
			if digits == 0 {
				return 0, fmt.Errorf("time spec %q: missing number before %q", spec, c)
			}
			total += time.Duration(num) * unit
			num, digits = 0, 0
		}
	}
	if digits > 0 {
		return 0, fmt.Errorf("time spec %q: missing unit", spec)
	}
	if total <= 0 {
		return 0, fmt.Errorf("time spec %q: must be positive", spec)
	}
	return total, nil
}
