package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "COI Workflow API",
        "description": "Durable approval workflow for certificate of insurance requests",
        "version": "1.0.0"
    },
    "basePath": "/",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Inbound", "description": "Mailbox change notifications"},
        {"name": "Approvals", "description": "Reviewer decisions"},
        {"name": "Requests", "description": "Operator views of COI requests"},
        {"name": "Certificates", "description": "Signed certificate downloads"},
        {"name": "System", "description": "Health, readiness and metrics"}
    ],
    "paths": {
        "/health": {
            "get": {
                "tags": ["System"],
                "summary": "Liveness check",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/ready": {
            "get": {
                "tags": ["System"],
                "summary": "Readiness check",
                "description": "Pings the request store and Redis when enabled.",
                "responses": {
                    "200": {"description": "Ready"},
                    "503": {"description": "A dependency is unavailable"}
                }
            }
        },
        "/metrics": {
            "get": {
                "tags": ["System"],
                "summary": "Prometheus metrics",
                "produces": ["text/plain"],
                "responses": {"200": {"description": "Exposition format"}}
            }
        },
        "/pubsub/mailbox": {
            "post": {
                "tags": ["Inbound"],
                "summary": "Receive a mailbox change push",
                "parameters": [
                    {"name": "token", "in": "query", "type": "string", "description": "Push verification token"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/PushEnvelope"}}
                ],
                "responses": {
                    "202": {"description": "Admitted or duplicate", "schema": {"$ref": "#/definitions/AdmitEnvelope"}},
                    "204": {"description": "Empty notification"},
                    "400": {"description": "Malformed notification", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid push token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Store unavailable, redeliver", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/telegram/webhook": {
            "post": {
                "tags": ["Approvals"],
                "summary": "Receive a Telegram bot update",
                "parameters": [
                    {"name": "X-Telegram-Bot-Api-Secret-Token", "in": "header", "type": "string", "required": true},
                    {"name": "payload", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "Handled or ignored"},
                    "401": {"description": "Invalid webhook secret"},
                    "503": {"description": "Store unavailable, redeliver"}
                }
            }
        },
        "/api/v1/approvals/decision": {
            "post": {
                "tags": ["Approvals"],
                "summary": "Submit a decision as an operator",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "Applied, duplicate, conflict or late", "schema": {"$ref": "#/definitions/DecisionEnvelope"}},
                    "400": {"description": "Validation error"},
                    "401": {"description": "Unauthorized"},
                    "404": {"description": "Unknown approval token"}
                }
            }
        },
        "/api/v1/requests": {
            "get": {
                "tags": ["Requests"],
                "summary": "List requests",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "state", "in": "query", "type": "string", "description": "Comma separated states"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "Page of requests", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Unauthorized"}
                }
            }
        },
        "/api/v1/requests/export": {
            "get": {
                "tags": ["Requests"],
                "summary": "Export requests",
                "security": [{"BearerAuth": []}],
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]},
                    {"name": "state", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Export file"},
                    "400": {"description": "Unsupported format"}
                }
            }
        },
        "/api/v1/requests/{id}": {
            "get": {
                "tags": ["Requests"],
                "summary": "Get a request",
                "security": [{"BearerAuth": []}],
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "Request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/api/v1/requests/{id}/events": {
            "get": {
                "tags": ["Requests"],
                "summary": "List state transitions of a request",
                "security": [{"BearerAuth": []}],
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "Transitions", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/certificates/{token}": {
            "get": {
                "tags": ["Certificates"],
                "summary": "Download an issued certificate",
                "produces": ["application/pdf"],
                "parameters": [{"name": "token", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "PDF"},
                    "403": {"description": "Invalid or expired link"},
                    "404": {"description": "Unknown request"}
                }
            }
        }
    },
    "definitions": {
        "PushEnvelope": {
            "type": "object",
            "properties": {
                "message": {
                    "type": "object",
                    "properties": {
                        "data": {"type": "string", "description": "base64 encoded Gmail watch notification {emailAddress, historyId} or inline MailboxChange relay"},
                        "messageId": {"type": "string"},
                        "publishTime": {"type": "string", "format": "date-time"}
                    }
                },
                "subscription": {"type": "string"}
            }
        },
        "AdmitResponse": {
            "type": "object",
            "properties": {
                "requestId": {"type": "string"},
                "outcome": {"type": "string", "enum": ["new", "duplicate"]}
            }
        },
        "AdmitEnvelope": {
            "type": "object",
            "properties": {"data": {"$ref": "#/definitions/AdmitResponse"}}
        },
        "DecisionRequest": {
            "type": "object",
            "required": ["token", "decision"],
            "properties": {
                "token": {"type": "string", "format": "uuid"},
                "decision": {"type": "string", "enum": ["approved", "rejected"]}
            }
        },
        "DecisionResponse": {
            "type": "object",
            "properties": {
                "requestId": {"type": "string"},
                "outcome": {"type": "string"},
                "state": {"type": "string"}
            }
        },
        "DecisionEnvelope": {
            "type": "object",
            "properties": {"data": {"$ref": "#/definitions/DecisionResponse"}}
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
