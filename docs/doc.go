// Package docs provides generated OpenAPI documentation.
//
// tome API
//
//	@title			tome API
//	@version		1.0
//	@description	Textbook generation pipeline API: submit manuscripts, follow job progress and manage dead letters.
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/tome
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/tome/serve.go -o . --outputTypes go --parseDependency --parseInternal
