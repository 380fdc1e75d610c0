// Package export writes the CSV artifacts of a generation run and bundles them
// into zip archives for download.
package export

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/ashstudy/MessageAutomation/internal/timeline"
)

// ScheduleTimeLayout formats event times in the schedule listing.
const ScheduleTimeLayout = "2006-01-02 15:04"

// File is a named in-memory artifact.
type File struct {
	Name string
	Data []byte
}

// WriteMessages writes the audit file of consumed catalog messages, one row per
// intervention event in consumption order.
func WriteMessages(w io.Writer, messages []models.MessageTemplate) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"UO_ID", "Message"}); err != nil {
		return fmt.Errorf("failed to write messages header: %w", err)
	}
	for _, m := range messages {
		if err := cw.Write([]string{strconv.Itoa(m.ID), m.Text}); err != nil {
			return fmt.Errorf("failed to write message %d: %w", m.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSchedule writes every event with its send time for review.
func WriteSchedule(w io.Writer, events []models.ScheduledEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Title", "StartTime", "Content"}); err != nil {
		return fmt.Errorf("failed to write schedule header: %w", err)
	}
	for _, e := range events {
		if err := cw.Write([]string{e.Title, e.StartTime.Format(ScheduleTimeLayout), e.Content}); err != nil {
			return fmt.Errorf("failed to write event at %s: %w", e.StartTime.Format(time.RFC3339), err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTaskConditions writes the values-task conditions file.
func WriteTaskConditions(w io.Writer, trials []timeline.TaskTrial) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"message", "iti"}); err != nil {
		return fmt.Errorf("failed to write conditions header: %w", err)
	}
	for _, tr := range trials {
		iti := strconv.FormatFloat(tr.ITI, 'f', -1, 64)
		if err := cw.Write([]string{tr.Message.Text, iti}); err != nil {
			return fmt.Errorf("failed to write trial: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteArchive writes files into a zip archive in the given order.
func WriteArchive(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		fw, err := zw.Create(f.Name)
		if err != nil {
			zw.Close()
			return fmt.Errorf("failed to add %s to archive: %w", f.Name, err)
		}
		if _, err := fw.Write(f.Data); err != nil {
			zw.Close()
			return fmt.Errorf("failed to write %s to archive: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}
