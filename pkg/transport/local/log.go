package local

import "google.golang.org/grpc/grpclog"

var logger = grpclog.Component("transport")
