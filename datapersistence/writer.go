package datapersistence

import (
	"encoding/json"
	"math/rand"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/errgo.v2/fmt/errors"
)

var ErrNotFound = errors.New("no journal record for transaction")

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func RandStringRunes(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

func getBaseFilename() string {
	podName, hostnameErr := os.Hostname()
	if hostnameErr == nil {
		return podName
	}

	return RandStringRunes(12)
}

// Journal keeps one JSON file per in-flight transaction under a directory.
type Journal struct {
	basepath string
}

func NewJournal(basepath string) (*Journal, error) {
	if err := os.MkdirAll(basepath, 0750); err != nil {
		log.Error().Err(err).Str("path", basepath).Msg("NewJournal could not create journal directory")
		return nil, err
	}
	return &Journal{basepath: basepath}, nil
}

/**
maps a transaction ID onto a file in the journal directory. IDs are PrintableStrings, which may contain '/'.
*/
func (j *Journal) getFilename(transactionID string) string {
	return path.Join(j.basepath, url.PathEscape(transactionID)+".json")
}

/**
writes a record of the transaction to a json file named after its transaction ID. The content goes to a
temporary file first, so that a crash never leaves a half-written record behind.
*/
func (j *Journal) Save(record *TransactionRecord) error {
	if record.TransactionID == "" {
		return errors.Newf("cannot journal a transaction with no ID")
	}
	if record.Host == "" {
		record.Host = getBaseFilename()
	}

	encodedContent, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		log.Error().Err(marshalErr).Msg("Save was passed invalid content")
		return marshalErr
	}

	filename := j.getFilename(record.TransactionID)
	tempname := filename + "." + RandStringRunes(6) + ".tmp"
	fp, openErr := os.OpenFile(tempname, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if openErr != nil {
		log.Error().Err(openErr).Str("file", tempname).Msg("Save could not open file for writing")
		return openErr
	}

	_, writeErr := fp.Write(encodedContent)
	closeErr := fp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		log.Error().Err(writeErr).Str("file", tempname).Msg("Save could not write content")
		os.Remove(tempname)
		return writeErr
	}

	if err := os.Rename(tempname, filename); err != nil {
		os.Remove(tempname)
		return err
	}
	log.Debug().Str("transaction_id", record.TransactionID).Str("file", filename).Msg("Save journalled transaction")
	return nil
}

func (j *Journal) Load(transactionID string) (*TransactionRecord, error) {
	filename := j.getFilename(transactionID)
	content, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil, errors.Becausef(nil, ErrNotFound, "transaction %s is not in the journal", transactionID)
	} else if err != nil {
		return nil, err
	}

	var record TransactionRecord
	if err := json.Unmarshal(content, &record); err != nil {
		return nil, errors.Notef(err, nil, "journal file %s is corrupt", filename)
	}
	return &record, nil
}

func (j *Journal) Remove(transactionID string) error {
	err := os.Remove(j.getFilename(transactionID))
	if os.IsNotExist(err) {
		return errors.Becausef(nil, ErrNotFound, "transaction %s is not in the journal", transactionID)
	}
	return err
}

// List returns every journalled transaction, oldest submission first. Unreadable files are skipped.
func (j *Journal) List() ([]*TransactionRecord, error) {
	entries, err := os.ReadDir(j.basepath)
	if err != nil {
		return nil, err
	}

	results := make([]*TransactionRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		transactionID, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			log.Warn().Str("file", name).Msg("List skipping file with an unexpected name")
			continue
		}
		record, err := j.Load(transactionID)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("List skipping unreadable record")
			continue
		}
		results = append(results, record)
	}
	sort.Slice(results, func(a, b int) bool {
		return results[a].SubmittedAt.Before(results[b].SubmittedAt)
	})
	return results, nil
}
