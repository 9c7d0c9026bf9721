// Package main TeaTime API
//
//	@title			TeaTime API
//	@version		1.0
//	@description	Real-time chat application API with WebSocket support, file sharing, and video calls
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	TeaTime Support
//	@contact.url	https://github.com/wolftown/canis
//	@contact.email	support@teatime.example.com
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT token (format: Bearer <token>)
//
//	@externalDocs.description	OpenAPI
//	@externalDocs.url			https://swagger.io/resources/open-api/
package main
