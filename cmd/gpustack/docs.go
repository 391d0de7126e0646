package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           GPUStack API
// @version         1.0
// @description     HTTP API for GPU cluster management and OpenAI-compatible model serving.
//
// @contact.name   GPUStack maintainers
// @contact.url    https://github.com/MasterYang7/gpustack
//
// @license.name   Apache 2.0
// @license.url    https://www.apache.org/licenses/LICENSE-2.0
//
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
//
// @BasePath  /
//
// @schemes http
