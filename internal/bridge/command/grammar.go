package command

// Grammar documents the control commands in Markdown.
const Grammar = `# Control commands

Commands are case-insensitive. The first word is the verb.

| Command | Effect |
|---|---|
| ` + "`KILL`" + ` | Shut every process down gracefully. |
| ` + "`PAUSE [--ign NAME...]`" + ` | Pause the named bots, or all bots. |
| ` + "`RESUME [--ign NAME...]`" + ` | Resume the named bots, or all bots. |
| ` + "`WRITE --ign NAME... --m TEXT`" + ` | Type TEXT into the chat of each named bot. |
| ` + "`SHOT [--ign NAME...]`" + ` | Post the latest capture of the named bots, or all bots. |

## Flags

- ` + "`--ign`" + ` takes one or more bot names, up to the next flag.
- ` + "`--m`" + ` takes the rest of the line as written, so it comes last.

Unknown verbs are answered with a "not recognized" notice. Malformed
commands are answered with a description of the problem.
`
