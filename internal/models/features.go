package models

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Flag is a boolean feature that also accepts the 0/1 integer encoding produced by
// the preprocessing step.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*f = true
	case "false", "0":
		*f = false
	default:
		return errors.Errorf("invalid boolean feature value %s", data)
	}
	return nil
}

// Int reports the 0/1 encoding used by the trained models.
func (f Flag) Int() int {
	if f {
		return 1
	}
	return 0
}

// FeatureRecord is one customer row as the churn models expect it.
type FeatureRecord struct {
	SeniorCitizen    Flag    `json:"SeniorCitizen"`
	Partner          Flag    `json:"Partner"`
	Dependents       Flag    `json:"Dependents"`
	Tenure           int     `json:"tenure"`
	PhoneService     Flag    `json:"PhoneService"`
	InternetService  int     `json:"InternetService"`
	OnlineSecurity   Flag    `json:"OnlineSecurity"`
	OnlineBackup     Flag    `json:"OnlineBackup"`
	DeviceProtection Flag    `json:"DeviceProtection"`
	TechSupport      Flag    `json:"TechSupport"`
	StreamingTV      Flag    `json:"StreamingTV"`
	StreamingMovies  Flag    `json:"StreamingMovies"`
	Contract         int     `json:"Contract"`
	PaperlessBilling Flag    `json:"PaperlessBilling"`
	PaymentMethod    int     `json:"PaymentMethod"`
	MonthlyCharges   float64 `json:"MonthlyCharges"`
	TotalCharges     float64 `json:"TotalCharges"`
}

// FeatureColumns is the column order of the training frame.
var FeatureColumns = []string{
	"SeniorCitizen", "Partner", "Dependents", "tenure", "PhoneService",
	"InternetService", "OnlineSecurity", "OnlineBackup", "DeviceProtection",
	"TechSupport", "StreamingTV", "StreamingMovies", "Contract",
	"PaperlessBilling", "PaymentMethod", "MonthlyCharges", "TotalCharges",
}

// Values returns the record in FeatureColumns order with flags encoded as 0/1.
func (r FeatureRecord) Values() []interface{} {
	return []interface{}{
		r.SeniorCitizen.Int(), r.Partner.Int(), r.Dependents.Int(), r.Tenure,
		r.PhoneService.Int(), r.InternetService, r.OnlineSecurity.Int(),
		r.OnlineBackup.Int(), r.DeviceProtection.Int(), r.TechSupport.Int(),
		r.StreamingTV.Int(), r.StreamingMovies.Int(), r.Contract,
		r.PaperlessBilling.Int(), r.PaymentMethod, r.MonthlyCharges, r.TotalCharges,
	}
}

// MarshalJSON keeps the wire names and emits flags as 0/1.
func (r FeatureRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(FeatureColumns))
	for i, v := range r.Values() {
		out[FeatureColumns[i]] = v
	}
	return json.Marshal(out)
}
