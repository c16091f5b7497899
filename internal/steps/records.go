package steps

import (
	"context"
	"fmt"

	"github.com/mattjoyce/stepgate/internal/apiclient"
	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/plugin"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

const defaultListLimit = 50

var idInput = protocol.FieldSchema{
	Name: "id", Type: protocol.FieldString, Required: true, Description: "Record id",
}

var recordOutput = protocol.FieldSchema{
	Name: "record", Type: protocol.FieldObject, Description: "The record as stored downstream",
}

// recordHandler is a records API step bound to one caller's client.
type recordHandler struct {
	base
	client *apiclient.Client
	run    func(ctx context.Context, h *recordHandler, payload map[string]any) (*protocol.ResultEnvelope, error)
}

func (h *recordHandler) Execute(ctx context.Context, payload map[string]any) (*protocol.ResultEnvelope, error) {
	if env := h.check(payload); env != nil {
		return env, nil
	}
	return h.run(ctx, h, payload)
}

func recordFactory(def protocol.HandlerDefinition, run func(context.Context, *recordHandler, map[string]any) (*protocol.ResultEnvelope, error)) plugin.Factory {
	b := newBase(def)
	return plugin.NewFactory(def, func(session *auth.Session) (plugin.Handler, error) {
		if session == nil || session.Client == nil {
			return nil, ErrNoClient
		}
		return &recordHandler{base: b, client: session.Client, run: run}, nil
	})
}

// RecordGet fetches one record.
func RecordGet() plugin.Factory {
	return recordFactory(protocol.HandlerDefinition{
		ID:          "record.get",
		Name:        "Get record",
		Description: "Fetches a record by id.",
		Inputs:      []protocol.FieldSchema{idInput},
		Outputs:     []protocol.FieldSchema{recordOutput},
	}, func(ctx context.Context, h *recordHandler, payload map[string]any) (*protocol.ResultEnvelope, error) {
		id := fmt.Sprint(payload["id"])
		rec, err := h.client.GetRecord(ctx, id)
		if apiclient.IsNotFound(err) {
			return protocol.Failuref(MessageRecordNotFound, id), nil
		}
		if err != nil {
			return nil, fmt.Errorf("get record %s: %w", id, err)
		}
		return protocol.Success(rec, "Fetched record %s", id), nil
	})
}

// RecordCreate creates a record from the given fields.
func RecordCreate() plugin.Factory {
	return recordFactory(protocol.HandlerDefinition{
		ID:          "record.create",
		Name:        "Create record",
		Description: "Creates a record.",
		Inputs: []protocol.FieldSchema{
			{Name: "fields", Type: protocol.FieldObject, Required: true, Description: "Record fields"},
		},
		Outputs: []protocol.FieldSchema{recordOutput},
	}, func(ctx context.Context, h *recordHandler, payload map[string]any) (*protocol.ResultEnvelope, error) {
		fields, ok := payload["fields"].(map[string]any)
		if !ok {
			return protocol.Failuref(MessageInvalidInput, h.def.ID, "fields must be an object"), nil
		}
		rec, err := h.client.CreateRecord(ctx, fields)
		if err != nil {
			return nil, fmt.Errorf("create record: %w", err)
		}
		return protocol.Success(rec, "Created record %v", rec["id"]), nil
	})
}

// RecordList lists records, newest first as returned downstream.
func RecordList() plugin.Factory {
	return recordFactory(protocol.HandlerDefinition{
		ID:          "record.list",
		Name:        "List records",
		Description: "Lists records.",
		Inputs: []protocol.FieldSchema{
			{Name: "limit", Type: protocol.FieldInteger, Description: "Maximum records to return"},
		},
		Outputs: []protocol.FieldSchema{
			{Name: "records", Type: protocol.FieldArray},
			{Name: "count", Type: protocol.FieldInteger},
		},
	}, func(ctx context.Context, h *recordHandler, payload map[string]any) (*protocol.ResultEnvelope, error) {
		limit := int64(defaultListLimit)
		if v, ok := payload["limit"]; ok {
			n, ok := intValue(v)
			if !ok || n < 1 {
				return protocol.Failuref(MessageInvalidInput, h.def.ID, "limit must be positive"), nil
			}
			limit = n
		}
		recs, err := h.client.ListRecords(ctx, int(limit))
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		if recs == nil {
			recs = []apiclient.Record{}
		}
		data := map[string]any{"records": recs, "count": len(recs)}
		return protocol.Success(data, "Found %d records", len(recs)), nil
	})
}

// RecordDelete deletes one record.
func RecordDelete() plugin.Factory {
	return recordFactory(protocol.HandlerDefinition{
		ID:          "record.delete",
		Name:        "Delete record",
		Description: "Deletes a record by id.",
		Inputs:      []protocol.FieldSchema{idInput},
	}, func(ctx context.Context, h *recordHandler, payload map[string]any) (*protocol.ResultEnvelope, error) {
		id := fmt.Sprint(payload["id"])
		err := h.client.DeleteRecord(ctx, id)
		if apiclient.IsNotFound(err) {
			return protocol.Failuref(MessageRecordNotFound, id), nil
		}
		if err != nil {
			return nil, fmt.Errorf("delete record %s: %w", id, err)
		}
		return protocol.Success(map[string]any{"id": id}, "Deleted record %s", id), nil
	})
}
