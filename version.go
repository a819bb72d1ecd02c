package sala

// Version is reported by the status endpoint and in heartbeat reports.
const Version = "0.4.1"
