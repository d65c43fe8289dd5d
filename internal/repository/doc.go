// Package repository provides scoped CRUD over entity documents.
//
// The repository is the single place that enforces tenant and unit
// isolation. Every operation derives its physical collection from the
// tenant context and the entity's scope, and every query carries the
// tenant (and, for unit-scoped entities, unit) predicate.
//
// # Scoping
//
// Unit-scoped entities live in {tenant}_{unit}_{entity} and are filtered by
// tenant_id and unit_id. Global entities live in {tenant}_{entity}, carry no
// unit_id, and are visible to every unit of the tenant.
//
// # Not found
//
// Malformed ids and scope mismatches are reported as "not found" rather
// than as errors. An id that the store cannot parse short-circuits before
// any I/O. Only storage failures are returned as errors.
//
// # System fields
//
// _id, tenant_id, unit_id, created_at and any key starting with an
// underscore are stripped from caller payloads. created_at is written once;
// updated_at is refreshed on every successful mutation.
package repository
