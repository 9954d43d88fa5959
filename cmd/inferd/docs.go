package main

// General API documentation for swaggo. Run `swag init -g cmd/inferd/docs.go` to generate docs.
//
// @title           inferd API
// @version         1.0
// @description     Continuous-batching inference server for a single loaded model.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
