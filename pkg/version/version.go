package version

// Version 当前版本号，发布时通过 -ldflags "-X ...version.Version=vX.Y.Z" 注入
var Version = "v0.1.1"
