package predicates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFacts() Facts {
	return Facts{
		"os_vers":          "14.5",
		"os_vers_major":    int64(14),
		"os_vers_minor":    int64(5),
		"arch":             "arm64",
		"machine_model":    "Mac15,6",
		"hostname":         "studio-12",
		"catalogs":         []string{"production", "testing"},
		"ipv4_address":     []string{"10.0.4.17", "192.168.1.40"},
		"date":             time.Date(2026, 8, 25, 10, 0, 0, 0, time.Local),
		"physical_memory":  int64(16384),
		"battery_present":  false,
		"portable":         true,
	}
}

func eval(t *testing.T, predicate string) bool {
	t.Helper()
	ok, err := NewEvaluator(testFacts()).Evaluate(predicate)
	require.NoError(t, err, "predicate %q", predicate)
	return ok
}

func TestEquality(t *testing.T) {
	assert.True(t, eval(t, `os_vers == "14.5"`))
	assert.False(t, eval(t, `os_vers == "13.0"`))
	assert.True(t, eval(t, `os_vers != "13.0"`))
	assert.True(t, eval(t, `os_vers_major == 14`))
	assert.True(t, eval(t, `portable == TRUE`))
	assert.True(t, eval(t, `battery_present == FALSE`))
}

func TestOrdering(t *testing.T) {
	assert.True(t, eval(t, `os_vers_major >= 14`))
	assert.True(t, eval(t, `os_vers_minor < 6`))
	assert.False(t, eval(t, `physical_memory < 8192`))
	assert.True(t, eval(t, `physical_memory >= 16384`))
}

func TestBooleanConnectives(t *testing.T) {
	assert.True(t, eval(t, `arch == "arm64" AND os_vers_major >= 14`))
	assert.False(t, eval(t, `arch == "x86_64" AND os_vers_major >= 14`))
	assert.True(t, eval(t, `arch == "x86_64" OR os_vers_major >= 14`))
	assert.True(t, eval(t, `NOT arch == "x86_64"`))
	assert.True(t, eval(t, `(arch == "x86_64" OR arch == "arm64") AND portable == TRUE`))
}

func TestPrecedenceAndBindsTighterThanOr(t *testing.T) {
	// parsed as FALSE OR (TRUE AND TRUE)
	assert.True(t, eval(t, `arch == "ppc" OR portable == TRUE AND os_vers_major == 14`))
}

func TestMembership(t *testing.T) {
	assert.True(t, eval(t, `"testing" IN catalogs`))
	assert.False(t, eval(t, `"development" IN catalogs`))
	assert.True(t, eval(t, `catalogs CONTAINS "production"`))
	assert.True(t, eval(t, `arch IN {"arm64", "x86_64"}`))
	assert.False(t, eval(t, `arch IN {"i386", "ppc"}`))
	assert.True(t, eval(t, `os_vers_major IN {13, 14, 15}`))
}

func TestStringOperators(t *testing.T) {
	assert.True(t, eval(t, `machine_model BEGINSWITH "Mac15"`))
	assert.False(t, eval(t, `machine_model BEGINSWITH "iMac"`))
	assert.True(t, eval(t, `hostname ENDSWITH "-12"`))
	assert.True(t, eval(t, `machine_model CONTAINS "15,"`))
	assert.True(t, eval(t, `machine_model LIKE "Mac*"`))
	assert.True(t, eval(t, `machine_model LIKE "Mac15,?"`))
	assert.False(t, eval(t, `machine_model LIKE "MacBook*"`))
	assert.True(t, eval(t, `machine_model LIKE "mac15,6"`))
}

func TestDateComparison(t *testing.T) {
	assert.True(t, eval(t, `date > CAST("2026-01-01T00:00:00Z", "DATE")`))
	assert.False(t, eval(t, `date > CAST("2027-01-01T00:00:00Z", "DATE")`))
	assert.True(t, eval(t, `date < CAST("2026-12-31T23:59:59Z", "DATE")`))
}

func TestDateLiteralUsesLocalWallClock(t *testing.T) {
	got, err := parseDateLiteral("2026-08-15T13:00:00Z")
	require.NoError(t, err)
	want := time.Date(2026, 8, 15, 13, 0, 0, 0, time.Local)
	assert.True(t, got.Equal(want))
}

func TestMissingFactKeys(t *testing.T) {
	// missing keys compare unequal to everything and fail every ordering
	assert.False(t, eval(t, `no_such_fact == "x"`))
	assert.False(t, eval(t, `no_such_fact == ""`))
	assert.False(t, eval(t, `no_such_fact < 10`))
	assert.False(t, eval(t, `no_such_fact > 10`))
	assert.True(t, eval(t, `no_such_fact != "x"`))
	assert.True(t, eval(t, `NOT no_such_fact == "x"`))
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{
		`os_vers =`,
		`os_vers = "14.5"`,
		`os_vers == `,
		`(os_vers == "14.5"`,
		`arch IN {"arm64"`,
		`CAST("2026-01-01", DATE)`,
		`"dangling`,
	} {
		_, err := Parse(bad)
		assert.Error(t, err, "predicate %q", bad)
	}
}

func TestEvaluatorReportsParseError(t *testing.T) {
	ok, err := NewEvaluator(testFacts()).Evaluate(`os_vers ===`)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestPredicateReuse(t *testing.T) {
	p, err := Parse(`arch == "arm64"`)
	require.NoError(t, err)
	assert.True(t, p.Evaluate(Facts{"arch": "arm64"}))
	assert.False(t, p.Evaluate(Facts{"arch": "x86_64"}))
	assert.False(t, p.Evaluate(Facts{}))
}

func TestQuoteStyles(t *testing.T) {
	assert.True(t, eval(t, `arch == 'arm64'`))
	assert.True(t, eval(t, `hostname == "studio-12"`))
}
