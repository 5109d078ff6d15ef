// Package dataset turns the raw Telco churn CSV into the integer-coded training
// frame.
package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Columns removed from the raw export.
var droppedColumns = map[string]bool{
	"customerID":    true,
	"gender":        true,
	"MultipleLines": true,
}

var (
	yesNo         = map[string]string{"Yes": "1", "No": "0"}
	yesNoInternet = map[string]string{"Yes": "1", "No": "0", "No internet service": "0"}
)

// encoders maps a column to its categorical coding. Columns not listed pass through.
var encoders = map[string]map[string]string{
	"Partner":          yesNo,
	"Dependents":       yesNo,
	"PhoneService":     yesNo,
	"PaperlessBilling": yesNo,
	"Churn":            yesNo,
	"OnlineSecurity":   yesNoInternet,
	"OnlineBackup":     yesNoInternet,
	"DeviceProtection": yesNoInternet,
	"TechSupport":      yesNoInternet,
	"StreamingTV":      yesNoInternet,
	"StreamingMovies":  yesNoInternet,
	"InternetService":  {"No": "0", "DSL": "1", "Fiber optic": "2"},
	"Contract":         {"Month-to-month": "0", "One year": "1", "Two year": "2"},
	"PaymentMethod": {
		"Electronic check":          "0",
		"Mailed check":              "1",
		"Bank transfer (automatic)": "2",
		"Credit card (automatic)":   "3",
	},
}

// Stats counts what Preprocess did with the input rows.
type Stats struct {
	Read        int `json:"read"`
	Written     int `json:"written"`
	DroppedNA   int `json:"droppedNa"`
	DroppedCode int `json:"droppedUnmapped"`
}

// Preprocess reads the raw CSV from r and writes the cleaned frame to w. Rows with
// an empty cell are dropped, as are rows whose categorical value has no code.
// A TotalCharges value that is not a number becomes 0.
func Preprocess(r io.Reader, w io.Writer) (Stats, error) {
	var stats Stats
	in := csv.NewReader(r)
	header, err := in.Read()
	if err != nil {
		return stats, errors.Wrap(err, "read header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var keep []int
	var outHeader []string
	for i, name := range header {
		if droppedColumns[name] {
			continue
		}
		keep = append(keep, i)
		outHeader = append(outHeader, name)
	}
	if err := requireColumns(header); err != nil {
		return stats, err
	}

	out := csv.NewWriter(w)
	if err := out.Write(outHeader); err != nil {
		return stats, errors.Wrap(err, "write header")
	}

	row := make([]string, len(keep))
	for {
		rec, err := in.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, errors.Wrapf(err, "read row %d", stats.Read+1)
		}
		stats.Read++
		if hasEmpty(rec) {
			stats.DroppedNA++
			continue
		}
		ok := true
		for j, i := range keep {
			v, mapped := encode(header[i], rec[i])
			if !mapped {
				ok = false
				break
			}
			row[j] = v
		}
		if !ok {
			stats.DroppedCode++
			continue
		}
		if err := out.Write(row); err != nil {
			return stats, errors.Wrap(err, "write row")
		}
		stats.Written++
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return stats, errors.Wrap(err, "flush output")
	}
	return stats, nil
}

// PreprocessFile runs Preprocess from src to dst, creating dst's directory.
func PreprocessFile(src, dst string) (Stats, error) {
	in, err := os.Open(src)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Stats{}, errors.Wrapf(err, "create %s", filepath.Dir(dst))
	}
	out, err := os.Create(dst)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "create %s", dst)
	}
	stats, err := Preprocess(in, out)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "close %s", dst)
	}
	return stats, err
}

func requireColumns(header []string) error {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for col := range encoders {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	for _, col := range []string{"SeniorCitizen", "tenure", "MonthlyCharges", "TotalCharges"} {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

func hasEmpty(rec []string) bool {
	for _, v := range rec {
		if v == "" {
			return true
		}
	}
	return false
}

func encode(column, value string) (string, bool) {
	if column == "TotalCharges" {
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return "0", true
		}
		return strings.TrimSpace(value), true
	}
	enc, ok := encoders[column]
	if !ok {
		return value, true
	}
	v, ok := enc[value]
	return v, ok
}
