package soho

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/floats"

	"github.com/KI7MT/soho-loader/series"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrUnknownSpecies  = errors.New("unknown species")
	ErrInvalidRange    = errors.New("invalid channel range")
)

// Species selects the helium or proton channel group.
type Species string

const (
	Helium Species = "He"
	Proton Species = "P"
)

// ParseSpecies accepts he, a or alpha for helium and p, i or h for protons,
// in any case.
func ParseSpecies(s string) (Species, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "he", "a", "alpha":
		return Helium, nil
	case "p", "i", "h":
		return Proton, nil
	}
	return "", fmt.Errorf("%w %q: use he, a, alpha, p, i or h", ErrUnknownSpecies, s)
}

// prefix is the first letter of the species' data columns (AH_3, PH_3).
func (s Species) prefix() string {
	if s == Helium {
		return "A"
	}
	return "P"
}

// Channel is one energy channel of a detector.
type Channel struct {
	Index  int     `csv:"channel"`
	Label  string  `csv:"ch_strings"`
	LowerE float64 `csv:"lower_E"`
	UpperE float64 `csv:"upper_E"`
	DE     float64 `csv:"DE"` // half-width
	MeanE  float64 `csv:"mean_E"`
}

// ChannelTable lists the channels of one species, indexed from 0.
type ChannelTable struct {
	Species  Species
	Channels []Channel
}

// NewChannelTable builds a table from channel labels, centre energies and
// half-widths. When every input is exactly representable in single precision
// the bounds are computed in single precision, matching files that store
// energies as CDF_REAL4.
func NewChannelTable(species Species, labels []string, energy, delta []float64) (ChannelTable, error) {
	if len(energy) != len(delta) {
		return ChannelTable{}, fmt.Errorf("%s channels: %d energies but %d widths", species, len(energy), len(delta))
	}
	single := isSingle(energy) && isSingle(delta)

	ct := ChannelTable{Species: species, Channels: make([]Channel, len(energy))}
	for i := range energy {
		c := Channel{Index: i, DE: delta[i], MeanE: energy[i]}
		if i < len(labels) {
			c.Label = labels[i]
		}
		if single {
			c.LowerE = float64(float32(energy[i]) - float32(delta[i]))
			c.UpperE = float64(float32(energy[i]) + float32(delta[i]))
		} else {
			c.LowerE = energy[i] - delta[i]
			c.UpperE = energy[i] + delta[i]
		}
		ct.Channels[i] = c
	}
	return ct, nil
}

func isSingle(vals []float64) bool {
	for _, v := range vals {
		if !math.IsNaN(v) && float64(float32(v)) != v {
			return false
		}
	}
	return true
}

// Lookup returns channel i.
func (ct ChannelTable) Lookup(i int) (Channel, error) {
	if i < 0 || i >= len(ct.Channels) {
		return Channel{}, fmt.Errorf("%w: %s channel %d (have 0-%d)", ErrChannelNotFound, ct.Species, i, len(ct.Channels)-1)
	}
	return ct.Channels[i], nil
}

// WriteCSV writes the table with a header row.
func (ct ChannelTable) WriteCSV(w io.Writer) error {
	return gocsv.Marshal(ct.Channels, w)
}

// =============================================================================
// Channel Averaging
// =============================================================================

// AverageFlux combines channels first..last of one species into a single
// intensity, weighting each channel by its half-width:
//
//	flux = Σ flux_c·DE_c / Σ DE_c
//
// Flux columns are named species prefix, first letter of sensor, channel
// ("PH_3" for protons of sensor HED). The label reads
// "<lower_E(first)> - <upper_E(last)> MeV".
func AverageFlux(t *series.Table, channels ChannelTable, first, last int, species, sensor string) ([]float64, string, error) {
	if first > last {
		return nil, "", fmt.Errorf("%w: first channel %d after last %d", ErrInvalidRange, first, last)
	}
	sp, err := ParseSpecies(species)
	if err != nil {
		return nil, "", err
	}
	sensor = strings.ToUpper(strings.TrimSpace(sensor))
	if sensor == "" {
		return nil, "", fmt.Errorf("%w: empty sensor name", ErrInvalidRange)
	}

	n := last - first + 1
	de := make([]float64, n)
	cols := make([][]float64, n)
	for c := first; c <= last; c++ {
		ch, err := channels.Lookup(c)
		if err != nil {
			return nil, "", err
		}
		col, err := t.Column(fmt.Sprintf("%s%s_%d", sp.prefix(), sensor[:1], c))
		if err != nil {
			return nil, "", err
		}
		de[c-first] = ch.DE
		cols[c-first] = col
	}
	if floats.Sum(de) == 0 {
		return nil, "", fmt.Errorf("%w: channels %d-%d have zero total width", ErrInvalidRange, first, last)
	}

	out := make([]float64, t.Len())
	if n == 1 {
		copy(out, cols[0])
	} else {
		// Weighted deviations from the first channel keep a uniform flux exact.
		total := floats.Sum(de)
		diff := make([]float64, n)
		for r := range out {
			base := cols[0][r]
			for i, col := range cols {
				diff[i] = col[r] - base
			}
			out[r] = base + floats.Dot(de, diff)/total
		}
	}

	lo, _ := channels.Lookup(first)
	hi, _ := channels.Lookup(last)
	label := fmt.Sprintf("%s - %s MeV", formatEnergy(lo.LowerE), formatEnergy(hi.UpperE))
	return out, label, nil
}

// formatEnergy prints the shortest representation of v that reads back to the
// same value, in single precision when v is one, keeping ".0" on whole numbers.
func formatEnergy(v float64) string {
	bits := 64
	if float64(float32(v)) == v {
		bits = 32
	}
	s := strconv.FormatFloat(v, 'f', -1, bits)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
