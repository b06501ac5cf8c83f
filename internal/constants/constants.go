package constants

const USER_AGENT = "applause/0.1.0 (+https://github.com/Amund211/applause)"
