package soho

import (
	"errors"
	"fmt"

	"github.com/KI7MT/soho-loader/internal/cdf"
)

// ErrMetadataKey is returned by Metadata.Lookup for unknown keys.
var ErrMetadataKey = errors.New("unknown metadata key")

// Variable holds the display attributes of a flux variable such as PH or AL.
type Variable struct {
	Name    string
	Label   string
	Units   string
	FillVal float64
}

// SpeciesMetadata is the channel description of one species.
type SpeciesMetadata struct {
	Labels      []string
	Energy      []float64
	EnergyDelta []float64
	Channels    ChannelTable
	Variable    Variable
}

// Metadata is read from the first file of an ERNE HED or LED load.
type Metadata struct {
	Dataset string
	Sensor  string
	Helium  SpeciesMetadata
	Proton  SpeciesMetadata
}

// Lookup resolves the flat keys used by the ERNE file conventions:
// He_E_label, He_energy, He_energy_delta, P_E_label, P_energy,
// P_energy_delta, <var>_LABL, <var>_UNITS, <var>_FILLVAL (var being AH, PH,
// AL or PL), channels_dict_df_He and channels_dict_df_p.
func (m *Metadata) Lookup(key string) (any, error) {
	for _, sp := range []struct {
		prefix string
		md     *SpeciesMetadata
	}{{"He", &m.Helium}, {"P", &m.Proton}} {
		switch key {
		case sp.prefix + "_E_label":
			return sp.md.Labels, nil
		case sp.prefix + "_energy":
			return sp.md.Energy, nil
		case sp.prefix + "_energy_delta":
			return sp.md.EnergyDelta, nil
		case sp.md.Variable.Name + "_LABL":
			return sp.md.Variable.Label, nil
		case sp.md.Variable.Name + "_UNITS":
			return sp.md.Variable.Units, nil
		case sp.md.Variable.Name + "_FILLVAL":
			return sp.md.Variable.FillVal, nil
		}
	}
	switch key {
	case "channels_dict_df_He":
		return m.Helium.Channels, nil
	case "channels_dict_df_p":
		return m.Proton.Channels, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrMetadataKey, key)
}

// readMetadata extracts channel tables from one file of a dataset that carries
// them. Datasets without channel tables return nil.
func readMetadata(info DatasetInfo, path string) (*Metadata, error) {
	if !info.Metadata {
		return nil, nil
	}
	f, err := cdf.Open(path)
	if err != nil {
		return nil, err
	}

	m := &Metadata{Dataset: info.ID, Sensor: info.Sensor}
	if m.Helium, err = readSpecies(f, Helium, "He", "A"+info.Sensor); err != nil {
		return nil, fmt.Errorf("%s metadata: %w", info.ID, err)
	}
	if m.Proton, err = readSpecies(f, Proton, "P", "P"+info.Sensor); err != nil {
		return nil, fmt.Errorf("%s metadata: %w", info.ID, err)
	}
	return m, nil
}

func readSpecies(f *cdf.File, species Species, prefix, varName string) (SpeciesMetadata, error) {
	var sm SpeciesMetadata

	lv, err := f.VarGet(prefix + "_E_label")
	if err != nil {
		return sm, err
	}
	if sm.Labels, err = lv.RecordStrings(0); err != nil {
		return sm, err
	}
	if sm.Energy, err = firstRecord(f, prefix+"_energy"); err != nil {
		return sm, err
	}
	if sm.EnergyDelta, err = firstRecord(f, prefix+"_energy_delta"); err != nil {
		return sm, err
	}
	if sm.Channels, err = NewChannelTable(species, sm.Labels, sm.Energy, sm.EnergyDelta); err != nil {
		return sm, err
	}

	sm.Variable.Name = varName
	if sm.Variable.Label, err = stringAttr(f, varName, "LABLAXIS"); err != nil {
		return sm, err
	}
	if sm.Variable.Units, err = stringAttr(f, varName, "UNITS"); err != nil {
		return sm, err
	}
	fill, err := f.VarAttr(varName, "FILLVAL")
	if err != nil {
		return sm, err
	}
	switch v := fill.(type) {
	case float64:
		sm.Variable.FillVal = v
	case []float64:
		sm.Variable.FillVal = v[0]
	default:
		return sm, fmt.Errorf("%w: FILLVAL of %q is %T", cdf.ErrWrongType, varName, fill)
	}
	return sm, nil
}

// firstRecord returns the values of record 0 of a numeric variable.
func firstRecord(f *cdf.File, name string) ([]float64, error) {
	v, err := f.VarGet(name)
	if err != nil {
		return nil, err
	}
	vals, err := v.Float64s()
	if err != nil {
		return nil, err
	}
	if per := v.ValuesPerRecord(); len(vals) > per {
		vals = vals[:per]
	}
	return vals, nil
}

func stringAttr(f *cdf.File, varName, attr string) (string, error) {
	val, err := f.VarAttr(varName, attr)
	if err != nil {
		return "", err
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s of %q is %T", cdf.ErrWrongType, attr, varName, val)
	}
	return s, nil
}
