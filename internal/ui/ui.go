package ui

const AsciiArt = `
 █████╗ ██╗   ██╗██████╗ ██╗████████╗ ██████╗ ██╗  ██╗
██╔══██╗██║   ██║██╔══██╗██║╚══██╔══╝██╔════╝ ██║  ██║
███████║██║   ██║██║  ██║██║   ██║   ██║  ███╗███████║
██╔══██║██║   ██║██║  ██║██║   ██║   ██║   ██║██╔══██║
██║  ██║╚██████╔╝██████╔╝██║   ██║   ╚██████╔╝██║  ██║
╚═╝  ╚═╝ ╚═════╝ ╚═════╝ ╚═╝   ╚═╝    ╚═════╝ ╚═╝  ╚═╝
`

const (
	ColorReset  = "\033[0m"
	ColorGray   = "\033[90m" // Light gray
	ColorWhite  = "\033[97m" // White
	ColorRed    = "\033[91m" // Bright Red
	ColorGreen  = "\033[92m" // Bright Green
	ColorYellow = "\033[93m" // Bright Yellow
)
