package router

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"upscalerbot/internal/storage"
)

var exportHeader = []string{"ID", "Username", "Name", "Joined", "Active"}

const exportTimeLayout = "2006-01-02 15:04:05"

// encodeAccountsCSV renders accounts in the order given, one row each.
func encodeAccountsCSV(accounts []storage.Account) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}
	for _, a := range accounts {
		row := []string{
			strconv.FormatInt(a.ID, 10),
			a.Username,
			a.FirstName,
			a.Joined.UTC().Format(exportTimeLayout),
			strconv.FormatBool(a.Active),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
