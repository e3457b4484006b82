package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/alwitt/ddpserver/common"
	"github.com/apex/log"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/oklog/ulid/v2"
	"github.com/xeipuuv/gojsonschema"
)

// idField is the document field holding the document ID
const idField = "_id"

// Collection methods
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionRemove = "remove"
)

// documentBackend is the per-document persistence a store provides. Callers
// serialize mutations, so implementations only need to keep single calls safe.
type documentBackend interface {
	fetch(ctxt context.Context, collection, id string) (json.RawMessage, bool, error)
	store(ctxt context.Context, collection, id string, fields json.RawMessage) error
	erase(ctxt context.Context, collection, id string) (bool, error)
	list(ctxt context.Context, collection string) ([]Item, error)
}

// collectionOperator implements the collection methods on top of a documentBackend
type collectionOperator struct {
	common.Component
	backend     documentBackend
	collections []string
	known       map[string]bool
	schemas     map[string]*gojsonschema.Schema
	// mutations are serialized so read-modify-write updates are atomic
	mutateLock sync.Mutex
}

func newCollectionOperator(
	logTags log.Fields, collections []string, schemas map[string]*gojsonschema.Schema,
) collectionOperator {
	known := map[string]bool{}
	names := []string{}
	for _, name := range collections {
		if !known[name] {
			known[name] = true
			names = append(names, name)
		}
	}
	if schemas == nil {
		schemas = map[string]*gojsonschema.Schema{}
	}
	return collectionOperator{
		Component:   common.Component{LogTags: logTags},
		collections: names,
		known:       known,
		schemas:     schemas,
	}
}

// LoadSchemas compile the JSON schema files of each collection
func LoadSchemas(schemaFiles map[string]string) (map[string]*gojsonschema.Schema, error) {
	result := map[string]*gojsonschema.Schema{}
	for collection, path := range schemaFiles {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read schema of %s: %w", collection, err)
		}
		schema, err := CompileSchema(string(content))
		if err != nil {
			return nil, fmt.Errorf("schema of %s is invalid: %w", collection, err)
		}
		result[collection] = schema
	}
	return result, nil
}

// CompileSchema compile a JSON schema document
func CompileSchema(schema string) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
}

// Collections list the collections hosted by the store
func (o *collectionOperator) Collections() []string {
	result := make([]string, len(o.collections))
	copy(result, o.collections)
	return result
}

// HasCollection whether a collection is hosted by the store
func (o *collectionOperator) HasCollection(collection string) bool {
	return o.known[collection]
}

// Query fetch every document of a collection, ordered by ID
func (o *collectionOperator) Query(ctxt context.Context, collection string) ([]Item, error) {
	if !o.HasCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	items, err := o.backend.list(ctxt, collection)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// ExecuteCollectionMethod apply a collection mutation, returning the method result
func (o *collectionOperator) ExecuteCollectionMethod(
	ctxt context.Context, call MethodCall,
) (interface{}, error) {
	logTags := common.CopyLogTags(o.LogTags, log.Fields{
		"collection": call.Collection, "action": call.Action, "method_id": call.MethodID,
	})
	if !o.HasCollection(call.Collection) {
		return nil, common.NewMeteorError(404, "Method not found")
	}
	o.mutateLock.Lock()
	defer o.mutateLock.Unlock()
	var result interface{}
	var err error
	switch call.Action {
	case ActionInsert:
		result, err = o.insert(ctxt, call)
	case ActionUpdate:
		result, err = o.update(ctxt, call)
	case ActionRemove:
		result, err = o.remove(ctxt, call)
	default:
		log.WithFields(logTags).Warn("Unknown collection method")
		return nil, common.NewMeteorError(404, "Method not found")
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Debug("Collection method failed")
		return nil, err
	}
	log.WithFields(logTags).Debugf("Collection method result: %v", result)
	return result, nil
}

func matchFailed() error {
	return common.NewMeteorError(400, "Match failed")
}

// insert [document] -> new document ID
func (o *collectionOperator) insert(ctxt context.Context, call MethodCall) (interface{}, error) {
	if len(call.Params) != 1 {
		return nil, matchFailed()
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(call.Params[0], &doc); err != nil || doc == nil {
		return nil, matchFailed()
	}
	id := ulid.Make().String()
	if rawID, ok := doc[idField]; ok {
		if err := json.Unmarshal(rawID, &id); err != nil || id == "" {
			return nil, matchFailed()
		}
		delete(doc, idField)
	}
	fields, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := o.validate(call.Collection, fields); err != nil {
		return nil, err
	}
	_, exists, err := o.backend.fetch(ctxt, call.Collection, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, common.NewMeteorError(409, "Duplicate key")
	}
	if err := o.backend.store(ctxt, call.Collection, id, fields); err != nil {
		return nil, err
	}
	return id, nil
}

// update [selector, modifier] -> number of documents updated
func (o *collectionOperator) update(ctxt context.Context, call MethodCall) (interface{}, error) {
	if len(call.Params) < 2 {
		return nil, matchFailed()
	}
	id, err := parseSelector(call.Params[0])
	if err != nil {
		return nil, err
	}
	current, exists, err := o.backend.fetch(ctxt, call.Collection, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return 0, nil
	}
	updated, err := applyModifier(current, call.Params[1])
	if err != nil {
		return nil, err
	}
	if err := o.validate(call.Collection, updated); err != nil {
		return nil, err
	}
	if err := o.backend.store(ctxt, call.Collection, id, updated); err != nil {
		return nil, err
	}
	return 1, nil
}

// remove [selector] -> number of documents removed
func (o *collectionOperator) remove(ctxt context.Context, call MethodCall) (interface{}, error) {
	if len(call.Params) != 1 {
		return nil, matchFailed()
	}
	id, err := parseSelector(call.Params[0])
	if err != nil {
		return nil, err
	}
	removed, err := o.backend.erase(ctxt, call.Collection, id)
	if err != nil {
		return nil, err
	}
	if removed {
		return 1, nil
	}
	return 0, nil
}

// validate check a document against its collection's schema, if any
func (o *collectionOperator) validate(collection string, fields json.RawMessage) error {
	schema, ok := o.schemas[collection]
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(fields))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		errs := []string{}
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return common.NewMeteorError(
			400, fmt.Sprintf("Validation failed: %s", strings.Join(errs, "; ")),
		)
	}
	return nil
}

// parseSelector a selector is either a document ID, or {"_id": <document ID>}
func parseSelector(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if id == "" {
			return "", matchFailed()
		}
		return id, nil
	}
	var selector map[string]json.RawMessage
	if err := json.Unmarshal(raw, &selector); err != nil || len(selector) != 1 {
		return "", matchFailed()
	}
	rawID, ok := selector[idField]
	if !ok {
		return "", matchFailed()
	}
	if err := json.Unmarshal(rawID, &id); err != nil || id == "" {
		return "", matchFailed()
	}
	return id, nil
}

// applyModifier compute the new document from an update modifier.
//
// A modifier made only of operators supports $set and $unset, each applied as
// a JSON merge patch on top level fields. A modifier without operators
// replaces the document.
func applyModifier(current json.RawMessage, rawModifier json.RawMessage) (json.RawMessage, error) {
	var modifier map[string]json.RawMessage
	if err := json.Unmarshal(rawModifier, &modifier); err != nil || modifier == nil {
		return nil, matchFailed()
	}
	operators := 0
	for key := range modifier {
		if strings.HasPrefix(key, "$") {
			operators++
		}
	}
	if operators == 0 {
		delete(modifier, idField)
		return json.Marshal(modifier)
	}
	if operators != len(modifier) {
		return nil, matchFailed()
	}

	// Clear every touched field first, so $set replaces nested objects instead
	// of merging into them
	clearPatch := map[string]interface{}{}
	setPatch := map[string]json.RawMessage{}
	for operator, rawArgs := range modifier {
		var args map[string]json.RawMessage
		if err := json.Unmarshal(rawArgs, &args); err != nil || args == nil {
			return nil, matchFailed()
		}
		if _, ok := args[idField]; ok {
			return nil, common.NewMeteorError(400, "Mod on _id not allowed")
		}
		switch operator {
		case "$set":
			for field, value := range args {
				clearPatch[field] = nil
				setPatch[field] = value
			}
		case "$unset":
			for field := range args {
				clearPatch[field] = nil
			}
		default:
			return nil, common.NewMeteorError(400, fmt.Sprintf("Unsupported modifier %s", operator))
		}
	}
	clearBytes, err := json.Marshal(clearPatch)
	if err != nil {
		return nil, err
	}
	updated, err := jsonpatch.MergePatch(current, clearBytes)
	if err != nil {
		return nil, fmt.Errorf("unable to apply modifier: %w", err)
	}
	if len(setPatch) > 0 {
		setBytes, err := json.Marshal(setPatch)
		if err != nil {
			return nil, err
		}
		if updated, err = jsonpatch.MergePatch(updated, setBytes); err != nil {
			return nil, fmt.Errorf("unable to apply modifier: %w", err)
		}
	}
	return updated, nil
}
