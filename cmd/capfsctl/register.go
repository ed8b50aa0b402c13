package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates the verbs a capfsctl debug handler can be registered under, mirroring
// the teacher's rest_api.HTTPVerb enumeration.
type HTTPVerb int

const (
	Unknown HTTPVerb = iota
	GET
	DELETE
	POST
	PUT
	PATCH
)

// RestMethod pairs an HTTP verb and path with its gin handler.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler func(c *gin.Context)
}

var restMethods = make(map[string]RestMethod)

// RegisterMethod is a helper wrapping Register for a single verb/path/handler triple.
func RegisterMethod(verb HTTPVerb, path string, h func(c *gin.Context)) error {
	return Register(RestMethod{Verb: verb, Path: path, Handler: h})
}

// Register adds m to the set of debug endpoints main() wires onto the gin router. Registering
// the same verb/path twice is an error, same as the teacher's rest_api.Register.
func Register(m RestMethod) error {
	key := fmt.Sprintf("%d_%s", m.Verb, m.Path)
	if _, exists := restMethods[key]; exists {
		return fmt.Errorf("capfsctl: handler for %s already registered", key)
	}
	restMethods[key] = m
	return nil
}

// RestMethods returns every registered debug endpoint.
func RestMethods() map[string]RestMethod {
	return restMethods
}
