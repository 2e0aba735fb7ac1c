package models

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/ocpp-balanz/balanz/schedule"
	"github.com/ocpp-balanz/balanz/utility"
)

// csvRecords reads a CSV file with a header row and returns one map per row.
func csvRecords(path string) ([]map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	var records []map[string]string
	for _, row := range rows[1:] {
		record := make(map[string]string, len(header))
		for i, key := range header {
			if i < len(row) {
				record[key] = row[i]
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func intField(record map[string]string, key string, fallback int) int {
	if value, ok := record[key]; ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func intPtrField(record map[string]string, key string) *int {
	if value, ok := record[key]; ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return &n
		}
	}
	return nil
}

// ReadGroupsCSV parses groups.csv.
// Columns: group_id,parent_id,description,max_allocation,priority
func ReadGroupsCSV(path string) ([]*Group, error) {
	records, err := csvRecords(path)
	if err != nil {
		return nil, err
	}
	var groups []*Group
	for _, record := range records {
		group := &Group{
			GroupId:     record["group_id"],
			ParentId:    record["parent_id"],
			Description: record["description"],
			Priority:    intPtrField(record, "priority"),
		}
		if group.GroupId == "" {
			return nil, Errf("%s: row with empty group_id", path)
		}
		if definition := record["max_allocation"]; definition != "" {
			parsed, err := schedule.Parse(definition)
			if err != nil {
				return nil, err
			}
			group.MaxAllocation = parsed
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func WriteGroupsCSV(path string, groups []*Group) error {
	return writeCSV(path, [][]string{{"group_id", "parent_id", "description", "max_allocation", "priority"}},
		func(writer *csv.Writer) error {
			for _, group := range groups {
				priority := ""
				if group.Priority != nil {
					priority = strconv.Itoa(*group.Priority)
				}
				row := []string{group.GroupId, group.ParentId, group.Description, group.MaxAllocationText(), priority}
				if err := writer.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
}

// ReadChargersCSV parses chargers.csv.
// Columns: charger_id,alias,group_id,no_connectors,priority,description,conn_max,auth_sha
func ReadChargersCSV(path string) ([]*Charger, error) {
	records, err := csvRecords(path)
	if err != nil {
		return nil, err
	}
	var chargers []*Charger
	for _, record := range records {
		id := record["charger_id"]
		if id == "" {
			return nil, Errf("%s: row with empty charger_id", path)
		}
		charger := NewCharger(
			id,
			record["alias"],
			record["group_id"],
			intField(record, "no_connectors", 1),
			intField(record, "priority", 0),
			intField(record, "conn_max", 0),
		)
		charger.Description = record["description"]
		charger.AuthSHA = record["auth_sha"]
		chargers = append(chargers, charger)
	}
	return chargers, nil
}

func WriteChargersCSV(path string, chargers []*Charger) error {
	return writeCSV(path, [][]string{{"charger_id", "alias", "group_id", "no_connectors", "priority", "description", "conn_max", "auth_sha"}},
		func(writer *csv.Writer) error {
			for _, charger := range chargers {
				row := []string{
					charger.Id,
					charger.Alias,
					charger.GroupId,
					strconv.Itoa(len(charger.Connectors)),
					strconv.Itoa(charger.Priority),
					charger.Description,
					strconv.Itoa(charger.ConnMax),
					charger.AuthSHA,
				}
				if err := writer.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
}

// ReadTagsCSV parses tags.csv.
// Columns: id_tag,user_name,parent_id_tag,description,status,priority
func ReadTagsCSV(path string) ([]*Tag, error) {
	records, err := csvRecords(path)
	if err != nil {
		return nil, err
	}
	var tags []*Tag
	for _, record := range records {
		idTag := record["id_tag"]
		if idTag == "" {
			return nil, Errf("%s: row with empty id_tag", path)
		}
		status := TagStatus(record["status"])
		if status != TagStatusBlocked {
			status = TagStatusActivated
		}
		tags = append(tags, &Tag{
			IdTag:       NormalizeIdTag(idTag),
			UserName:    record["user_name"],
			ParentIdTag: record["parent_id_tag"],
			Description: record["description"],
			Status:      status,
			Priority:    intPtrField(record, "priority"),
		})
	}
	return tags, nil
}

func WriteTagsCSV(path string, tags []*Tag) error {
	return writeCSV(path, [][]string{{"id_tag", "user_name", "parent_id_tag", "description", "status", "priority"}},
		func(writer *csv.Writer) error {
			for _, tag := range tags {
				priority := ""
				if tag.Priority != nil {
					priority = strconv.Itoa(*tag.Priority)
				}
				row := []string{tag.IdTag, tag.UserName, tag.ParentIdTag, tag.Description, string(tag.Status), priority}
				if err := writer.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
}

// ReadUsersCSV parses users.csv.
// Columns: user_id,user_type,description,auth_sha
func ReadUsersCSV(path string) ([]*User, error) {
	records, err := csvRecords(path)
	if err != nil {
		return nil, err
	}
	var users []*User
	for _, record := range records {
		userId := record["user_id"]
		if userId == "" {
			return nil, Errf("%s: row with empty user_id", path)
		}
		userType := UserType(record["user_type"])
		if userType == "" {
			userType = UserTypeStatus
		}
		users = append(users, &User{
			UserId:      userId,
			UserType:    userType,
			Description: record["description"],
			AuthSHA:     record["auth_sha"],
		})
	}
	return users, nil
}

func WriteUsersCSV(path string, users []*User) error {
	return writeCSV(path, [][]string{{"user_id", "user_type", "description", "auth_sha"}},
		func(writer *csv.Writer) error {
			for _, user := range users {
				row := []string{user.UserId, string(user.UserType), user.Description, user.AuthSHA}
				if err := writer.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
}

// ReadFirmwareCSV parses firmware.csv.
// Columns: firmware_id,charge_point_vendor,charge_point_model,firmware_version,meter_type,url,upgrade_from_versions
func ReadFirmwareCSV(path string) ([]*Firmware, error) {
	records, err := csvRecords(path)
	if err != nil {
		return nil, err
	}
	var firmware []*Firmware
	for _, record := range records {
		id := record["firmware_id"]
		if id == "" {
			return nil, Errf("%s: row with empty firmware_id", path)
		}
		firmware = append(firmware, &Firmware{
			FirmwareId:          id,
			ChargePointVendor:   record["charge_point_vendor"],
			ChargePointModel:    record["charge_point_model"],
			FirmwareVersion:     record["firmware_version"],
			MeterType:           record["meter_type"],
			URL:                 record["url"],
			UpgradeFromVersions: record["upgrade_from_versions"],
		})
	}
	return firmware, nil
}

func WriteFirmwareCSV(path string, records []*Firmware) error {
	return writeCSV(path, [][]string{{"firmware_id", "charge_point_vendor", "charge_point_model", "firmware_version", "meter_type", "url", "upgrade_from_versions"}},
		func(writer *csv.Writer) error {
			for _, firmware := range records {
				row := []string{
					firmware.FirmwareId,
					firmware.ChargePointVendor,
					firmware.ChargePointModel,
					firmware.FirmwareVersion,
					firmware.MeterType,
					firmware.URL,
					firmware.UpgradeFromVersions,
				}
				if err := writer.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
}

func writeCSV(path string, header [][]string, writeRows func(*csv.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	writer := csv.NewWriter(file)
	for _, row := range header {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	if err := writeRows(writer); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

var sessionHeader = []string{
	"session_id", "charger_id", "charger_alias", "group_id", "id_tag", "user_name",
	"stop_id_tag", "start_time", "end_time", "duration", "energy", "stop_reason", "history",
}

// SessionCSVWriter appends one row per closed session, flushing after every
// write.
type SessionCSVWriter struct {
	mux    sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewSessionCSVWriter opens the session history file in append mode,
// creating it with a header row when missing.
func NewSessionCSVWriter(path string) (*SessionCSVWriter, error) {
	needHeader := false
	if _, err := os.Stat(path); err != nil {
		needHeader = true
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	writer := csv.NewWriter(file)
	if needHeader {
		if err := writer.Write(sessionHeader); err != nil {
			file.Close()
			return nil, err
		}
		writer.Flush()
	}
	return &SessionCSVWriter{file: file, writer: writer}, nil
}

func (w *SessionCSVWriter) Append(session *Session) error {
	w.mux.Lock()
	defer w.mux.Unlock()
	row := []string{
		session.SessionId,
		session.ChargerId,
		session.ChargerAlias,
		session.GroupId,
		session.IdTag,
		session.UserName,
		session.StopIdTag,
		utility.TimeStr(session.StartTime),
		utility.TimeStr(session.EndTime),
		utility.DurationStr(session.Duration()),
		utility.KwhStr(float64(session.EnergyWh)),
		session.Reason,
		session.HistoryStr(),
	}
	if err := w.writer.Write(row); err != nil {
		return err
	}
	w.writer.Flush()
	return w.writer.Error()
}

func (w *SessionCSVWriter) Close() error {
	w.mux.Lock()
	defer w.mux.Unlock()
	w.writer.Flush()
	return w.file.Close()
}
