// Package docs registers the OpenAPI document served at /swagger. Regenerate
// with `swag init -g cmd/server/main.go -o docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/chats": {
            "get": {
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "tags": ["Chats"],
                "summary": "List chats",
                "operationId": "listChats",
                "parameters": [
                    {"type": "integer", "default": 1, "minimum": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"type": "integer", "default": 20, "maximum": 100, "minimum": 1, "description": "Items per page", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListChatsResponse"}},
                    "304": {"description": "Not Modified"},
                    "401": {"description": "Unauthenticated", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Chats"],
                "summary": "Create a chat",
                "operationId": "createChat",
                "parameters": [
                    {"description": "Chat name", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateChatRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.Chat"}},
                    "400": {"description": "Name missing or too long", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "User not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/chats/{chatId}": {
            "get": {
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "tags": ["Chats"],
                "summary": "Get a chat with its messages",
                "operationId": "getChat",
                "parameters": [
                    {"type": "string", "description": "Chat ID (ULID)", "name": "chatId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ChatDetailResponse"}},
                    "403": {"description": "Chat owned by another user", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Chat not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "patch": {
                "security": [{"Bearer": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Chats"],
                "summary": "Rename a chat",
                "operationId": "renameChat",
                "parameters": [
                    {"type": "string", "description": "Chat ID (ULID)", "name": "chatId", "in": "path", "required": true},
                    {"description": "New name", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.RenameChatRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Chat"}}
                }
            },
            "delete": {
                "security": [{"Bearer": []}],
                "tags": ["Chats"],
                "summary": "Delete a chat",
                "operationId": "deleteChat",
                "parameters": [
                    {"type": "string", "description": "Chat ID (ULID)", "name": "chatId", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/messages": {
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["application/json", "multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Post a message, creating a chat when needed",
                "operationId": "postMessageAutoChat",
                "parameters": [
                    {"description": "Message", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.PostMessageRequest"}},
                    {"type": "string", "description": "Replay key", "name": "Idempotency-Key", "in": "header"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.ExchangeResponse"}},
                    "413": {"description": "Attachment too large", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "AI unavailable", "schema": {"$ref": "#/definitions/handlers.ExchangeFailedResponse"}}
                }
            }
        },
        "/messages/{chatId}": {
            "get": {
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "List a chat's messages",
                "operationId": "listMessages",
                "parameters": [
                    {"type": "string", "description": "Chat ID (ULID)", "name": "chatId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListMessagesResponse"}}
                }
            },
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["application/json", "multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Post a message to a chat",
                "operationId": "postMessage",
                "parameters": [
                    {"type": "string", "description": "Chat ID (ULID)", "name": "chatId", "in": "path", "required": true},
                    {"description": "Message", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.PostMessageRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.ExchangeResponse"}},
                    "500": {"description": "AI unavailable", "schema": {"$ref": "#/definitions/handlers.ExchangeFailedResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.Chat": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "userId": {"type": "string"},
                "name": {"type": "string"},
                "createdAt": {"type": "string"},
                "updatedAt": {"type": "string"}
            }
        },
        "domain.Message": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "chatId": {"type": "string"},
                "role": {"type": "string", "enum": ["user", "model"]},
                "content": {"type": "string"},
                "attachmentPath": {"type": "string"},
                "attachmentName": {"type": "string"},
                "attachmentType": {"type": "string"},
                "attachmentSize": {"type": "integer"},
                "replyToId": {"type": "string"},
                "hasReply": {"type": "boolean"},
                "createdAt": {"type": "string"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "limit": {"type": "integer"},
                "total": {"type": "integer"},
                "totalPages": {"type": "integer"},
                "hasNext": {"type": "boolean"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "handlers.CreateChatRequest": {
            "type": "object",
            "properties": {"name": {"type": "string"}}
        },
        "handlers.RenameChatRequest": {
            "type": "object",
            "properties": {"name": {"type": "string"}}
        },
        "handlers.PostMessageRequest": {
            "type": "object",
            "properties": {
                "content": {"type": "string"},
                "chatId": {"type": "string"}
            }
        },
        "handlers.ListChatsResponse": {
            "type": "object",
            "properties": {
                "chats": {"type": "array", "items": {"$ref": "#/definitions/domain.Chat"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ChatDetailResponse": {
            "type": "object",
            "properties": {
                "chat": {"$ref": "#/definitions/domain.Chat"},
                "messages": {"type": "array", "items": {"$ref": "#/definitions/domain.Message"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ListMessagesResponse": {
            "type": "object",
            "properties": {
                "messages": {"type": "array", "items": {"$ref": "#/definitions/domain.Message"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ExchangeResponse": {
            "type": "object",
            "properties": {
                "chatId": {"type": "string"},
                "chatName": {"type": "string"},
                "chatCreated": {"type": "boolean"},
                "userMessage": {"$ref": "#/definitions/domain.Message"},
                "aiMessage": {"$ref": "#/definitions/domain.Message"}
            }
        },
        "handlers.ExchangeFailedResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string"},
                "message": {"type": "string"},
                "chatId": {"type": "string"},
                "chatName": {"type": "string"},
                "userMessage": {"$ref": "#/definitions/domain.Message"}
            }
        }
    },
    "securityDefinitions": {
        "Bearer": {
            "description": "\"Bearer <JWT>\"; the subject is the user's public id.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/v1",
	Schemes:          []string{},
	Title:            "Chat Service API",
	Description:      "Chats, messages with optional attachments, and AI replies.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
