package handlers

import (
	"encoding/csv"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"raffle/internal/models"
)

// utf8BOM makes spreadsheet apps open the export as UTF-8.
const utf8BOM = "\xef\xbb\xbf"

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// writeCheckinsCSV writes rows as name,phone,device,timestamp. Rows without
// a timestamp get the current time.
func writeCheckinsCSV(out io.Writer, rows []models.CheckinRow, now time.Time) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"name", "phone", "device", "timestamp"}); err != nil {
		return err
	}
	for _, r := range rows {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if err := w.Write([]string{r.Name, r.Phone, r.Device, ts.UTC().Format(isoMillis)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// writeRecordsCSV writes one line per winner, resolving participant
// details from the snapshot.
func writeRecordsCSV(out io.Writer, snap models.StoreSnapshot) error {
	people := make(map[string]models.Participant, len(snap.Participants))
	for _, p := range snap.Participants {
		people[p.ID] = p
	}
	w := csv.NewWriter(out)
	if err := w.Write([]string{"prize", "winner", "phone", "device", "mode", "round", "index", "time"}); err != nil {
		return err
	}
	for _, r := range snap.Records {
		p := people[r.ParticipantID]
		row := []string{
			r.PrizeName,
			p.Name,
			p.Phone(),
			p.Device(),
			string(r.Mode),
			r.RoundID,
			strconv.Itoa(r.RoundIndex + 1),
			time.UnixMilli(r.Timestamp).UTC().Format(isoMillis),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// sendCSV streams a CSV attachment. bom prefixes the UTF-8 byte order mark.
func sendCSV(c *gin.Context, filename string, bom bool, write func(io.Writer) error) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", "attachment;filename="+filename)
	c.Status(http.StatusOK)
	if bom {
		c.Writer.Write([]byte(utf8BOM))
	}
	if err := write(c.Writer); err != nil {
		logger.Infof("Error writing CSV %s: %v", filename, err)
	}
}
