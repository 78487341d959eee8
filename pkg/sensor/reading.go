package sensor

import "time"

// Reading is the latest value of every channel plus per-channel error flags.
// A flag is set iff the channel's most recent attempt failed; the value then
// holds the last good reading.
type Reading struct {
	Temperature float64 `json:"temperature"`
	PH          float64 `json:"ph"`
	DO          float64 `json:"do"`
	EC          float64 `json:"ec"`
	TDS         float64 `json:"tds"`
	Salinity    float64 `json:"salinity"`
	Ammonia     float64 `json:"ammonia"`

	TemperatureError bool `json:"temperature_error"`
	PHError          bool `json:"ph_error"`
	DOError          bool `json:"do_error"`
	ECError          bool `json:"ec_error"`
	AmmoniaError     bool `json:"ammonia_error"`

	Timestamp string    `json:"timestamp"`
	LastRead  time.Time `json:"last_read"`
}

// Value returns the primary value of a channel.
func (r *Reading) Value(ch Channel) float64 {
	switch ch {
	case Temperature:
		return r.Temperature
	case PH:
		return r.PH
	case DO:
		return r.DO
	case EC:
		return r.EC
	case Ammonia:
		return r.Ammonia
	}
	return 0
}

// Failed reports the error flag of a channel.
func (r *Reading) Failed(ch Channel) bool {
	switch ch {
	case Temperature:
		return r.TemperatureError
	case PH:
		return r.PHError
	case DO:
		return r.DOError
	case EC:
		return r.ECError
	case Ammonia:
		return r.AmmoniaError
	}
	return false
}

func (r *Reading) setFailed(ch Channel, failed bool) {
	switch ch {
	case Temperature:
		r.TemperatureError = failed
	case PH:
		r.PHError = failed
	case DO:
		r.DOError = failed
	case EC:
		r.ECError = failed
	case Ammonia:
		r.AmmoniaError = failed
	}
}

// Record is the flat upload record. Keys follow the collection server's
// schema.
type Record struct {
	UID         string  `json:"uid"`
	Temperature float64 `json:"suhu"`
	PH          float64 `json:"ph"`
	DO          float64 `json:"do"`
	TDS         float64 `json:"tds"`
	Ammonia     float64 `json:"ammonia"`
	Salinity    float64 `json:"salinitas"`
	Timestamp   string  `json:"timestamp"`
}

// Record builds the upload record for uid with values rounded for transport.
func (r *Reading) Record(uid string) Record {
	return Record{
		UID:         uid,
		Temperature: round(r.Temperature, 2),
		PH:          round(r.PH, 2),
		DO:          round(r.DO, 2),
		TDS:         round(r.TDS, 1),
		Ammonia:     round(r.Ammonia, 3),
		Salinity:    round(r.Salinity, 2),
		Timestamp:   r.Timestamp,
	}
}
