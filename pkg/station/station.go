package station

import "fmt"

// Line identifies the train line a station description belongs to.
type Line string

const (
	LineRed     Line = "red"
	LineGreen   Line = "green"
	LineBlue    Line = "blue"
	LineUnknown Line = "unknown"
)

// Record is a station description as ingested from the stations topic.
type Record struct {
	StopID                 int    `json:"stop_id" mapstructure:"stop_id"`
	DirectionID            string `json:"direction_id" mapstructure:"direction_id"`
	StopName               string `json:"stop_name" mapstructure:"stop_name"`
	StationName            string `json:"station_name" mapstructure:"station_name"`
	StationDescriptiveName string `json:"station_descriptive_name" mapstructure:"station_descriptive_name"`
	StationID              int    `json:"station_id" mapstructure:"station_id"`
	Order                  int    `json:"order" mapstructure:"order"`
	Red                    bool   `json:"red" mapstructure:"red"`
	Blue                   bool   `json:"blue" mapstructure:"blue"`
	Green                  bool   `json:"green" mapstructure:"green"`
}

// Transformed is the simplified projection published downstream and kept in
// the station table.
type Transformed struct {
	StationID   int    `json:"station_id" mapstructure:"station_id"`
	StationName string `json:"station_name" mapstructure:"station_name"`
	Order       int    `json:"order" mapstructure:"order"`
	Line        Line   `json:"line" mapstructure:"line"`
}

// LineOf maps the color flags to a Line. When more than one flag is set the
// first match in red, green, blue order wins.
func LineOf(red, blue, green bool) Line {
	switch {
	case red:
		return LineRed
	case green:
		return LineGreen
	case blue:
		return LineBlue
	default:
		return LineUnknown
	}
}

// Transform projects a station description onto its Transformed form.
func Transform(r Record) Transformed {
	return Transformed{
		StationID:   r.StationID,
		StationName: r.StationName,
		Order:       r.Order,
		Line:        LineOf(r.Red, r.Blue, r.Green),
	}
}

// Key field names accepted by KeyFunc.
const (
	FieldStationID   = "station_id"
	FieldStationName = "station_name"
)

// KeyFunc returns the function deriving a table key from the given field.
func KeyFunc(field string) (func(Transformed) string, error) {
	switch field {
	case FieldStationID:
		return func(t Transformed) string { return fmt.Sprintf("%d", t.StationID) }, nil
	case FieldStationName:
		return func(t Transformed) string { return t.StationName }, nil
	default:
		return nil, fmt.Errorf("unsupported key field %q", field)
	}
}
