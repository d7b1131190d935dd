package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           orchestd API
// @version         1.0
// @description     HTTP API for on-device model lifecycle management and generation.
//
// @contact.name   orchestd maintainers
// @contact.url    https://github.com/your-org/orchestd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
