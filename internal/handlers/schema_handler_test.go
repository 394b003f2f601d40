package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ternarybob/excerpo/internal/models"
)

func (env *handlerEnv) schemaHandler() *SchemaHandler {
	return NewSchemaHandler(env.schemas, env.logger)
}

func productSchema(id string) *models.ParsingSchema {
	return &models.ParsingSchema{
		ID:       id,
		SourceID: "src-shop",
		Mode:     models.ModeHTTP,
		Fields: []models.FieldDef{
			{Name: "name", Type: models.FieldTypeString, Method: models.MethodCSS, Selector: "h1.product", Required: true},
			{Name: "price", Type: models.FieldTypeFloat, Method: models.MethodCSS, Selector: "span.price"},
		},
	}
}

func TestRegisterSchemaHandlerCreatesVersionOne(t *testing.T) {
	env := newHandlerEnv(t)
	handler := env.schemaHandler()

	rec := postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", productSchema("sch-product"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var saved models.ParsingSchema
	decodeBody(t, rec, &saved)
	if saved.Version != 1 {
		t.Errorf("Expected version 1, got %d", saved.Version)
	}
	if !saved.IsActive {
		t.Error("Expected new schema to be active")
	}
}

func TestRegisterSchemaHandlerVersionsExisting(t *testing.T) {
	env := newHandlerEnv(t)
	handler := env.schemaHandler()

	rec := postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", productSchema("sch-product"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 on create, got %d: %s", rec.Code, rec.Body.String())
	}

	// Same ID again becomes the next version, not a conflict
	updated := productSchema("sch-product")
	updated.Fields[0].Selector = "h1.product-title"
	rec = postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", updated)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 on update, got %d: %s", rec.Code, rec.Body.String())
	}

	var saved models.ParsingSchema
	decodeBody(t, rec, &saved)
	if saved.Version != 2 {
		t.Errorf("Expected version 2 after re-registration, got %d", saved.Version)
	}
}

func TestRegisterSchemaHandlerRejectsInvalidSchema(t *testing.T) {
	env := newHandlerEnv(t)
	handler := env.schemaHandler()

	invalid := productSchema("sch-broken")
	invalid.Fields = nil

	rec := postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", invalid)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for schema without fields, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetSchemaHandlerResolvesVersions(t *testing.T) {
	env := newHandlerEnv(t)
	handler := env.schemaHandler()

	postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", productSchema("sch-product"))
	updated := productSchema("sch-product")
	updated.Fields[0].Selector = "h1.product-title"
	postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", updated)

	// No version parameter returns the current version
	rec := getRequest(handler.GetSchemaHandler, "/api/schemas/sch-product")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var current models.ParsingSchema
	decodeBody(t, rec, &current)
	if current.Version != 2 {
		t.Errorf("Expected current version 2, got %d", current.Version)
	}

	rec = getRequest(handler.GetSchemaHandler, "/api/schemas/sch-product?version=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for pinned version, got %d", rec.Code)
	}
	var v1 models.ParsingSchema
	decodeBody(t, rec, &v1)
	if v1.Version != 1 {
		t.Errorf("Expected version 1, got %d", v1.Version)
	}
	if v1.Fields[0].Selector != "h1.product" {
		t.Errorf("Expected original selector, got %s", v1.Fields[0].Selector)
	}

	rec = getRequest(handler.GetSchemaHandler, "/api/schemas/sch-missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown schema, got %d", rec.Code)
	}
}

func TestListSchemaVersionsHandler(t *testing.T) {
	env := newHandlerEnv(t)
	handler := env.schemaHandler()

	postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", productSchema("sch-product"))
	postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", productSchema("sch-product"))

	rec := getRequest(handler.ListSchemaVersionsHandler, "/api/schemas/sch-product/versions")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var versions []*models.ParsingSchema
	decodeBody(t, rec, &versions)
	if len(versions) != 2 {
		t.Errorf("Expected 2 versions, got %d", len(versions))
	}

	rec = getRequest(handler.ListSchemaVersionsHandler, "/api/schemas/sch-missing/versions")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown schema, got %d", rec.Code)
	}
}

func TestRollbackSchemaHandler(t *testing.T) {
	env := newHandlerEnv(t)
	handler := env.schemaHandler()

	postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", productSchema("sch-product"))
	updated := productSchema("sch-product")
	updated.Fields[0].Selector = "h1.product-title"
	postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", updated)

	rec := postJSON(t, handler.RollbackSchemaHandler, "/api/schemas/sch-product/rollback",
		map[string]int{"to_version": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Rollback writes a fresh version carrying the old definition
	var rolled models.ParsingSchema
	decodeBody(t, rec, &rolled)
	if rolled.Version != 3 {
		t.Errorf("Expected rollback to create version 3, got %d", rolled.Version)
	}
	if rolled.Fields[0].Selector != "h1.product" {
		t.Errorf("Expected version 1 selector restored, got %s", rolled.Fields[0].Selector)
	}

	rec = postJSON(t, handler.RollbackSchemaHandler, "/api/schemas/sch-product/rollback",
		map[string]int{"to_version": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for version 0, got %d", rec.Code)
	}
}

func TestSetSchemaActiveHandler(t *testing.T) {
	env := newHandlerEnv(t)
	handler := env.schemaHandler()

	postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", productSchema("sch-product"))

	req := httptest.NewRequest(http.MethodPost, "/api/schemas/sch-product/disable", nil)
	rec := httptest.NewRecorder()
	handler.SetSchemaActiveHandler(rec, req, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	get := getRequest(handler.GetSchemaHandler, "/api/schemas/sch-product")
	var schema models.ParsingSchema
	decodeBody(t, get, &schema)
	if schema.IsActive {
		t.Error("Expected schema to be inactive after disable")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/schemas/sch-product/enable", nil)
	rec = httptest.NewRecorder()
	handler.SetSchemaActiveHandler(rec, req, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	get = getRequest(handler.GetSchemaHandler, "/api/schemas/sch-product")
	decodeBody(t, get, &schema)
	if !schema.IsActive {
		t.Error("Expected schema to be active after enable")
	}
}

func TestDeleteSchemaHandler(t *testing.T) {
	env := newHandlerEnv(t)
	handler := env.schemaHandler()

	postJSON(t, handler.RegisterSchemaHandler, "/api/schemas", productSchema("sch-product"))

	req := httptest.NewRequest(http.MethodDelete, "/api/schemas/sch-product", nil)
	rec := httptest.NewRecorder()
	handler.DeleteSchemaHandler(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	get := getRequest(handler.GetSchemaHandler, "/api/schemas/sch-product")
	if get.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", get.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/schemas/sch-product", nil)
	rec = httptest.NewRecorder()
	handler.DeleteSchemaHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 deleting a missing schema, got %d", rec.Code)
	}
}
