package models

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// PatchItem applies partial-patch semantics: only fields present in the
// payload are written, absent fields keep their prior values. Presence
// is checked on the raw JSON so an explicit empty value still counts as
// "present". Shared by the server's reconciliation and direct write
// paths and by the client's optimistic apply, so all three agree on
// what a payload means.
func PatchItem(item *Item, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	if !gjson.ValidBytes(payload) {
		return errors.New("payload is not valid JSON")
	}

	if r := gjson.GetBytes(payload, "name"); r.Exists() {
		item.Name = r.String()
	}

	if r := gjson.GetBytes(payload, "description"); r.Exists() {
		item.Description = r.String()
	}

	if r := gjson.GetBytes(payload, "categoryId"); r.Exists() {
		item.CategoryID = r.String()
	}

	if r := gjson.GetBytes(payload, "locationId"); r.Exists() {
		item.LocationID = r.String()
	}

	if r := gjson.GetBytes(payload, "quantity"); r.Exists() {
		item.Quantity = int(r.Int())
	}

	if r := gjson.GetBytes(payload, "tags"); r.Exists() {
		tags := []string{}
		for _, t := range r.Array() {
			tags = append(tags, t.String())
		}

		item.Tags = tags
	}

	if r := gjson.GetBytes(payload, "status"); r.Exists() {
		status := ItemStatus(r.String())
		if !status.Valid() {
			return fmt.Errorf("invalid status: %s", r.String())
		}

		// The status transition table is deliberately not re-checked
		// here: offline-authored edits can arrive out of order. The
		// direct status endpoint is the enforcement point for
		// interactive writes.
		item.Status = status
	}

	if r := gjson.GetBytes(payload, "borrowedBy"); r.Exists() {
		item.BorrowedBy = r.String()
	}

	if r := gjson.GetBytes(payload, "borrowDueDate"); r.Exists() {
		item.BorrowDueDate = r.String()
	}

	return nil
}
