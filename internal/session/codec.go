package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"abobi.legal/advisor-service/internal/wallet"
)

// DateLayout is the calendar date format used for LastActiveDate.
const DateLayout = "2006-01-02"

var ErrCorruptPayload = errors.New("corrupt payload")

// EncodeHistory writes one JSON record per turn separated by newlines.
// An empty history encodes to an empty payload.
func EncodeHistory(turns []Turn) ([]byte, error) {
	var buf bytes.Buffer
	for i, turn := range turns {
		line, err := json.Marshal(turn)
		if err != nil {
			return nil, fmt.Errorf("failed to encode turn %s: %w", turn.ID, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// DecodeHistory parses a payload produced by EncodeHistory. Blank lines are
// skipped. The result is never nil.
func DecodeHistory(data []byte) ([]Turn, error) {
	turns := []Turn{}
	for n, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var turn Turn
		if err := strictUnmarshal(line, &turn); err != nil {
			return nil, fmt.Errorf("%w: history line %d: %v", ErrCorruptPayload, n+1, err)
		}
		if turn.ID == "" {
			return nil, fmt.Errorf("%w: history line %d: missing id", ErrCorruptPayload, n+1)
		}
		if !turn.Role.valid() {
			return nil, fmt.Errorf("%w: history line %d: unknown role %q", ErrCorruptPayload, n+1, turn.Role)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func EncodeProfile(p Profile) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile: %w", err)
	}
	return data, nil
}

// DecodeProfile parses and validates a single profile record.
func DecodeProfile(data []byte) (Profile, error) {
	var p Profile
	if err := strictUnmarshal(bytes.TrimSpace(data), &p); err != nil {
		return Profile{}, fmt.Errorf("%w: profile: %v", ErrCorruptPayload, err)
	}
	if !wallet.IsValid(p.WalletAddress) {
		return Profile{}, fmt.Errorf("%w: profile: invalid wallet address %q", ErrCorruptPayload, p.WalletAddress)
	}
	if p.Streak < 0 || p.TotalMessages < 0 {
		return Profile{}, fmt.Errorf("%w: profile: negative counters", ErrCorruptPayload)
	}
	if p.LastActiveDate != "" {
		if _, err := time.Parse(DateLayout, p.LastActiveDate); err != nil {
			return Profile{}, fmt.Errorf("%w: profile: bad lastActiveDate %q", ErrCorruptPayload, p.LastActiveDate)
		}
	}
	return p, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}
