package gtshare

// BuildVersion is the server version; set at link time with
// -ldflags "-X github.com/sammck-go/guactunnel/share.BuildVersion=..."
var BuildVersion = "0.0.0-src"
