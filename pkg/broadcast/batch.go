package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedBatch is returned for queue payloads that cannot be processed.
	ErrMalformedBatch = errors.New("malformed batch")
	// ErrJobNotFound is returned by stores when a batch names a job that
	// has no row.
	ErrJobNotFound = errors.New("broadcast not found")
)

// DecodeBatch parses and validates a queue payload. On a validation error
// the partially decoded batch is still returned so callers can attribute
// the failure to a job when its ids are known.
func DecodeBatch(body []byte) (*Batch, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedBatch)
	}
	var b Batch
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if err := b.Validate(); err != nil {
		return &b, err
	}
	return &b, nil
}

// Validate checks that the batch carries everything a send needs.
func (b *Batch) Validate() error {
	switch {
	case b.Job.ID == "":
		return fmt.Errorf("%w: job id missing", ErrMalformedBatch)
	case b.Job.ProjectID == "":
		return fmt.Errorf("%w: project id missing", ErrMalformedBatch)
	case b.Job.AccessToken == "":
		return fmt.Errorf("%w: access token missing", ErrMalformedBatch)
	case b.Job.PhoneNumberID == "":
		return fmt.Errorf("%w: phone number id missing", ErrMalformedBatch)
	case b.Job.TemplateName == "":
		return fmt.Errorf("%w: template name missing", ErrMalformedBatch)
	case len(b.Contacts) == 0:
		return fmt.Errorf("%w: contacts list is empty", ErrMalformedBatch)
	}
	for i, c := range b.Contacts {
		if c.ID == "" {
			return fmt.Errorf("%w: contact %d has no id", ErrMalformedBatch, i)
		}
	}
	return nil
}

// RecipientIDs returns the ids of the batch contacts in order.
func (b *Batch) RecipientIDs() []string {
	ids := make([]string, len(b.Contacts))
	for i, c := range b.Contacts {
		ids[i] = c.ID
	}
	return ids
}
