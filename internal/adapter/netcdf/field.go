package netcdf

import (
	"fmt"

	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

// DefaultFillValue marks missing float32 data, following CMIP practice.
const DefaultFillValue float32 = 1e20

// FieldFile describes how a field is stored by WriteField.
type FieldFile struct {
	Variable  string
	Units     string
	TimeAxis  domain.TimeAxis
	FillValue float32
	Metadata  domain.OutputMetadata
}

// WriteField stores a field as a (time, lat, lon) float32 variable with its
// coordinates. NaN values are written as the fill value.
func WriteField(path string, f domain.Field, file FieldFile) error {
	if err := f.Validate(); err != nil {
		return err
	}
	fill := file.FillValue
	if fill == 0 {
		fill = DefaultFillValue
	}
	vars := []namedVar{
		timeVar(file.TimeAxis, f.Times),
		latVar(f.Lats),
		lonVar(f.Lons),
		{
			name: file.Variable,
			v: api.Variable{
				Values:     cubeFloat32(f.Values, f.Steps(), f.Grid, fill),
				Dimensions: []string{"time", "lat", "lon"},
			},
			attrs: attrList{
				{"units", file.Units},
				{"_FillValue", fill},
				{"missing_value", fill},
			},
		},
	}
	m := file.Metadata
	global := attrList{
		{"Conventions", "CF-1.8"},
		{"title", m.Title},
		{"institution", m.Institution},
		{"source", m.Source},
		{"history", m.History},
	}
	if err := writeNetCDF(path, vars, global); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
