package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "BusTrack Ingestion API",
        "description": "Location and attendance ingestion engine for school bus fleets",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Auth", "description": "Device token exchange"},
        {"name": "Ingest", "description": "Telemetry ingress (GPS fixes, RFID tag scans)"},
        {"name": "Trips", "description": "Trip lifecycle and tracking"},
        {"name": "Attendance", "description": "Per-trip attendance records"},
        {"name": "Exports", "description": "Trip manifest exports"},
        {"name": "Operations", "description": "Operator tooling"}
    ],
    "paths": {
        "/auth/device-token": {
            "post": {
                "tags": ["Auth"],
                "summary": "Exchange device credentials for an access token",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DeviceTokenRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Unknown device or secret"}
                }
            }
        },
        "/ingest/locations": {
            "post": {
                "tags": ["Ingest"],
                "summary": "Submit a GPS location fix",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RawEvent"}}
                ],
                "responses": {
                    "202": {"description": "Accepted for processing"},
                    "422": {"description": "Malformed or stale event"}
                }
            }
        },
        "/ingest/tag-scans": {
            "post": {
                "tags": ["Ingest"],
                "summary": "Submit an RFID tag scan",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RawEvent"}}
                ],
                "responses": {
                    "200": {"description": "Attendance record after the scan", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "No active trip or transition not allowed"},
                    "422": {"description": "Malformed or stale event"}
                }
            }
        },
        "/ingest/tag-scans/batch": {
            "post": {
                "tags": ["Ingest"],
                "summary": "Submit a batch of RFID tag scans",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"type": "array", "items": {"$ref": "#/definitions/RawEvent"}}}
                ],
                "responses": {
                    "200": {"description": "Per-scan results", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/ingest/emergency": {
            "post": {
                "tags": ["Ingest"],
                "summary": "Raise an emergency alert",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EmergencyRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted"}
                }
            }
        },
        "/trips": {
            "get": {
                "tags": ["Trips"],
                "summary": "List trips",
                "parameters": [
                    {"name": "busId", "in": "query", "type": "string"},
                    {"name": "routeId", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string"},
                    {"name": "to", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "sort", "in": "query", "type": "string"},
                    {"name": "order", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Trips"],
                "summary": "Schedule a trip",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ScheduleTripRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/trips/{id}": {
            "get": {
                "tags": ["Trips"],
                "summary": "Get a trip",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Trip not found"}
                }
            }
        },
        "/trips/{id}/start": {
            "post": {
                "tags": ["Trips"],
                "summary": "Start a scheduled trip",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Bus already has a trip in progress"}
                }
            }
        },
        "/trips/{id}/complete": {
            "post": {
                "tags": ["Trips"],
                "summary": "Complete a trip and sweep unscanned students to ABSENT",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/trips/{id}/cancel": {
            "post": {
                "tags": ["Trips"],
                "summary": "Cancel a trip",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/trips/{id}/track": {
            "get": {
                "tags": ["Trips"],
                "summary": "Get a trip's location trail",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/trips/{id}/geofence-events": {
            "get": {
                "tags": ["Trips"],
                "summary": "Get a trip's geofence enter/exit history",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/trips/{id}/attendance": {
            "get": {
                "tags": ["Attendance"],
                "summary": "List a trip's attendance records",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/trips/{id}/attendance/{studentId}/absent": {
            "post": {
                "tags": ["Attendance"],
                "summary": "Mark a student absent for a trip",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "studentId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Student already scanned"}
                }
            }
        },
        "/trips/{id}/manifest": {
            "post": {
                "tags": ["Exports"],
                "summary": "Generate a trip attendance manifest",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exports/{token}": {
            "get": {
                "tags": ["Exports"],
                "summary": "Download a generated manifest",
                "parameters": [
                    {"name": "token", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Manifest file"},
                    "403": {"description": "Invalid or expired download token"}
                }
            }
        },
        "/buses/{id}/snapshot": {
            "get": {
                "tags": ["Trips"],
                "summary": "Get the live snapshot of a bus",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/ops/dead-letter": {
            "get": {
                "tags": ["Operations"],
                "summary": "Inspect the dead-letter queue",
                "parameters": [
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "DeviceTokenRequest": {
            "type": "object",
            "properties": {
                "device_id": {"type": "string"},
                "secret": {"type": "string"}
            },
            "required": ["device_id", "secret"]
        },
        "RawEvent": {
            "type": "object",
            "properties": {
                "kind": {"type": "string", "enum": ["LOCATION", "TAG_SCAN"]},
                "bus_id": {"type": "string"},
                "timestamp": {"type": "string", "format": "date-time"},
                "lat": {"type": "number"},
                "lon": {"type": "number"},
                "speed_kmh": {"type": "number"},
                "heading": {"type": "number"},
                "accuracy": {"type": "number"},
                "tag_id": {"type": "string"},
                "trip_id": {"type": "string"},
                "action": {"type": "string", "enum": ["PICKUP", "DROP"]}
            },
            "required": ["bus_id", "timestamp"]
        },
        "EmergencyRequest": {
            "type": "object",
            "properties": {
                "bus_id": {"type": "string"},
                "trip_id": {"type": "string"},
                "message": {"type": "string"}
            },
            "required": ["bus_id", "message"]
        },
        "ScheduleTripRequest": {
            "type": "object",
            "properties": {
                "route_id": {"type": "string"},
                "bus_id": {"type": "string"},
                "scheduled_start": {"type": "string", "format": "date-time"},
                "scheduled_end": {"type": "string", "format": "date-time"}
            },
            "required": ["route_id", "bus_id", "scheduled_start", "scheduled_end"]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
