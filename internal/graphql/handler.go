package graphql

import (
	"net/http"

	"github.com/graphql-go/handler"
)

// Handler serves the schema over HTTP; GraphiQL is meant for development only
func (s *Schema) Handler(pretty, graphiql bool) http.Handler {
	schema := s.GetSchema()
	return handler.New(&handler.Config{
		Schema:   &schema,
		Pretty:   pretty,
		GraphiQL: graphiql,
	})
}
