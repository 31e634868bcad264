package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Operations in the permission model.
const (
	opRead    = "read"
	opCreate  = "create"
	opUpdate  = "update"
	opDelete  = "delete"
	opExecute = "execute"
)

// rolePermissions is the role -> resource -> operations table.
var rolePermissions = map[string]map[string][]string{
	"admin": {
		"tasks":   {opRead, opCreate, opUpdate, opDelete},
		"agents":  {opRead, opCreate, opUpdate, opDelete},
		"execute": {opRead, opExecute},
		"health":  {opRead},
		"admin":   {opRead, opCreate, opUpdate, opDelete},
	},
	"operator": {
		"tasks":   {opRead, opCreate, opUpdate},
		"agents":  {opRead, opCreate, opUpdate},
		"execute": {opRead, opExecute},
		"health":  {opRead},
	},
	"agent": {
		"tasks":   {opRead, opUpdate},
		"agents":  {opRead},
		"execute": {opExecute},
		"health":  {opRead},
	},
	"viewer": {
		"tasks":  {opRead},
		"agents": {opRead},
		"health": {opRead},
	},
}

// resourceFromPath maps /api/<name>/... to a permission resource. The event
// stream reads execute-scoped data, so it shares that resource.
func resourceFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/api/")
	if trimmed == path {
		return ""
	}
	name, _, _ := strings.Cut(trimmed, "/")
	switch name {
	case "tasks", "agents", "execute", "admin", "health":
		return name
	case "events":
		return "execute"
	default:
		return ""
	}
}

func operationFromMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return opRead
	case http.MethodPost:
		return opCreate
	case http.MethodPut, http.MethodPatch:
		return opUpdate
	case http.MethodDelete:
		return opDelete
	default:
		return ""
	}
}

// permitted reports whether any of the user's roles grants op on resource.
// POST on the execute resource counts as execute, not create.
func permitted(roles []string, resource, op string) bool {
	if resource == "execute" && op == opCreate {
		op = opExecute
	}
	for _, role := range roles {
		for _, allowed := range rolePermissions[role][resource] {
			if allowed == op {
				return true
			}
		}
	}
	return false
}

func rbacMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := currentUser(c)
		if !ok {
			abortWithError(c, CodeForbidden, "no authenticated principal", nil)
			return
		}
		resource := resourceFromPath(c.Request.URL.Path)
		op := operationFromMethod(c.Request.Method)
		if resource == "" || op == "" || !permitted(u.Roles, resource, op) {
			abortWithError(c, CodeInsufficientRole, "insufficient permissions", map[string]any{
				"resource":  resource,
				"operation": op,
			})
			return
		}
		c.Next()
	}
}
