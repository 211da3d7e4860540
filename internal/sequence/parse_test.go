package sequence_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
	"github.com/gyaneshwarpardhi/signalreplay/internal/sequence"
)

const sample = `field,signal,value,delay
current,Vehicle.Speed,48,1
target,Vehicle.Cabin.Seat.Row1.Pos1.Position,20,0.25
current,Vehicle.Powertrain.Transmission.SelectedGear,Park,0
current,Vehicle.Speed,50,0
`

func TestParse(t *testing.T) {
	seq, err := sequence.Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, seq, 4)

	assert.Equal(t, event.Current, seq[0].Field)
	assert.Equal(t, "Vehicle.Speed", seq[0].Path)
	assert.Equal(t, "48", seq[0].Raw)
	assert.Equal(t, event.KindInt, seq[0].Value.Kind())
	assert.Equal(t, time.Second, seq[0].Delay)
	assert.Equal(t, 2, seq[0].Line)

	assert.Equal(t, event.Target, seq[1].Field)
	assert.Equal(t, 250*time.Millisecond, seq[1].Delay)

	assert.Equal(t, event.KindString, seq[2].Value.Kind())
	assert.Equal(t, time.Duration(0), seq[3].Delay)
}

func TestParse_Deterministic(t *testing.T) {
	a, err := sequence.Parse(strings.NewReader(sample))
	require.NoError(t, err)
	b, err := sequence.Parse(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestParse_HeaderAlwaysDiscarded(t *testing.T) {
	// A header that looks like data is still dropped.
	seq, err := sequence.Parse(strings.NewReader("current,Vehicle.Speed,1,0\ncurrent,Vehicle.Speed,2,0\n"))
	require.NoError(t, err)
	require.Len(t, seq, 1)
	assert.Equal(t, "2", seq[0].Raw)
}

func TestParse_KeepsRepeatsAndOrder(t *testing.T) {
	src := "h,h,h,h\ncurrent,A.B,1,0\ncurrent,A.B,1,0\ncurrent,A.C,1,0\n"
	seq, err := sequence.Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, seq, 3)
	assert.Equal(t, []string{"A.B", "A.B", "A.C"}, []string{seq[0].Path, seq[1].Path, seq[2].Path})
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"too few fields":      "h\ncurrent,Vehicle.Speed,48\n",
		"too many fields":     "h\ncurrent,Vehicle.Speed,48,1,extra\n",
		"unknown field kind":  "h\nactual,Vehicle.Speed,48,1\n",
		"uppercase kind":      "h\nCurrent,Vehicle.Speed,48,1\n",
		"leading blank kind":  "h\n current,Vehicle.Speed,48,1\n",
		"trailing blank kind": "h\ncurrent ,Vehicle.Speed,48,1\n",
		"empty signal":        "h\ncurrent, ,48,1\n",
		"negative delay":      "h\ncurrent,Vehicle.Speed,48,-1\n",
		"non-numeric delay":   "h\ncurrent,Vehicle.Speed,48,soon\n",
		"infinite delay":      "h\ncurrent,Vehicle.Speed,48,Inf\n",
		"header only":         "field,signal,value,delay\n",
		"empty":               "",
		"bad quoting":         "h\ncurrent,\"Vehicle.Speed,48,1\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			seq, err := sequence.Parse(strings.NewReader(src))
			require.Error(t, err)
			assert.Nil(t, seq)
			assert.True(t, errors.Is(err, sequence.ErrMalformed), "got %v", err)
		})
	}
}

func TestParse_BlanksAroundPathAndDelay(t *testing.T) {
	seq, err := sequence.Parse(strings.NewReader("h\ntarget, Vehicle.Speed , 48, 1.5\n"))
	require.NoError(t, err)
	require.Len(t, seq, 1)
	assert.Equal(t, event.Target, seq[0].Field)
	assert.Equal(t, "Vehicle.Speed", seq[0].Path)
	assert.True(t, seq[0].Value.Equal(event.IntValue(48)))
	assert.Equal(t, 1500*time.Millisecond, seq[0].Delay)
}

func TestParse_MalformedAnywhereFailsWholeLoad(t *testing.T) {
	src := sample + "current,Vehicle.Speed,52,x\n"
	seq, err := sequence.Parse(strings.NewReader(src))
	require.Error(t, err)
	assert.Nil(t, seq)

	var pe *sequence.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 6, pe.Line)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	seq, err := sequence.LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, seq, 4)

	_, err = sequence.LoadFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, sequence.ErrMalformed))
}
